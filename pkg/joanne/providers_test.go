package joanne

import (
	"testing"
)

func defaultRegistry() *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterDefaultProviders(reg)
	return reg
}

func TestBuildDeepgramTTSFactory(t *testing.T) {
	reg := defaultRegistry()
	cfg := Config{
		Vendors: VendorsConfig{
			TTS: VendorConfig{
				Provider: "deepgram",
				Settings: map[string]any{"api_key": "dg-key"},
			},
		},
	}
	factory, err := reg.BuildTTSFactory("deepgram", cfg)
	if err != nil {
		t.Fatalf("build factory: %v", err)
	}
	adapter := factory("CA1", "MZ1")
	if adapter.Name() != "deepgram_speak" {
		t.Fatalf("adapter name = %q", adapter.Name())
	}
}

func TestBuildDeepgramTTSFactoryRequiresAPIKey(t *testing.T) {
	reg := defaultRegistry()
	cfg := Config{
		Vendors: VendorsConfig{
			TTS: VendorConfig{Provider: "deepgram", Settings: map[string]any{}},
		},
	}
	if _, err := reg.BuildTTSFactory("deepgram", cfg); err == nil {
		t.Fatal("expected error for missing api_key")
	}
}

func TestBuildDeepgramTTSFactoryRejectsBadEncoding(t *testing.T) {
	reg := defaultRegistry()
	cfg := Config{
		Vendors: VendorsConfig{
			TTS: VendorConfig{
				Provider: "deepgram",
				Settings: map[string]any{"api_key": "dg-key", "encoding": "opus"},
			},
		},
	}
	if _, err := reg.BuildTTSFactory("deepgram", cfg); err == nil {
		t.Fatal("expected error for unsupported encoding")
	}
}
