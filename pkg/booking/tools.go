package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parkvoice/joanne/pkg/errorsx"
	"github.com/parkvoice/joanne/pkg/flow"
	"github.com/parkvoice/joanne/pkg/llm"
	"github.com/parkvoice/joanne/pkg/tools"
)

// Notifier relays a staff message to the fixed manager destination.
// Fire-and-forget: failures are reported, never retried.
type Notifier interface {
	SendStaffMessage(ctx context.Context, body string) (messageID string, err error)
}

// Transferrer redirects the telephony leg of a call to a human agent.
type Transferrer interface {
	TransferToAgent(ctx context.Context, callSID string) error
}

const (
	entryDateTimeLayout = "02/01/2006 15:04"
	spokenTimeLayout    = "January 2 at 3:04 PM"
	etaWriteLayout      = "2006-01-02T15:04:05.000Z"
)

const invalidETAMessage = `Invalid time format provided. Please use format like "30 minutes", "2 hours", or a specific time like "4:30 PM".`

// Toolset is the per-call bundle of domain tools. Everything in it is scoped
// to one phone call: the tracker, the call SID, and the clock; the store and
// relays are shared read-only.
type Toolset struct {
	Store        *Client
	Notifier     Notifier
	Transferrer  Transferrer
	Tracker      *flow.Tracker
	CallSID      string
	Instructions string
	Now          func() time.Time
	Location     *time.Location
}

func (t *Toolset) now() time.Time {
	if t.Now != nil {
		return t.Now().In(t.loc())
	}
	return time.Now().In(t.loc())
}

func (t *Toolset) loc() *time.Location {
	if t.Location != nil {
		return t.Location
	}
	return time.UTC
}

// RegisterAll binds every booking tool into the registry. Called once per
// call during pipeline setup; a duplicate registration panics there.
func (t *Toolset) RegisterAll(reg *tools.Registry) {
	reg.Register(llm.Tool{
		Name:        "find_booking",
		Description: "Find a parking booking by vehicle registration number",
		Schema: objectSchema(map[string]any{
			"registration": stringProp("The vehicle registration number"),
			"is_arrival":   boolProp("True if the customer is arriving, False if departing"),
		}, "registration", "is_arrival"),
	}, t.findBooking)

	reg.Register(llm.Tool{
		Name:        "find_booking_by_phone",
		Description: "Find a booking using the customer's phone number",
		Schema: objectSchema(map[string]any{
			"phone_number": stringProp("The customer's phone number"),
			"is_arrival":   boolProp("True if the customer is arriving, False if departing"),
		}, "phone_number", "is_arrival"),
	}, t.findBookingByPhone)

	reg.Register(llm.Tool{
		Name:        "update_eta",
		Description: "Update the estimated time of arrival (ETA) for a booking",
		Schema: objectSchema(map[string]any{
			"registration": stringProp("The vehicle registration number"),
			"customer_eta": stringProp("The customer's estimated time of arrival. Can be a relative time (e.g., '30 minutes' or '2 hours') or an exact time (e.g., '4:30 PM')"),
			"is_arrival":   boolProp("True if the customer is arriving, False if departing"),
		}, "registration", "customer_eta", "is_arrival"),
	}, t.updateETA)

	reg.Register(llm.Tool{
		Name:        "update_terminal",
		Description: "Update the terminal number for a booking",
		Schema: objectSchema(map[string]any{
			"registration": stringProp("The vehicle registration number"),
			"terminal":     stringProp("The new terminal number"),
			"is_arrival":   boolProp("True if the customer is arriving, False if departing"),
		}, "registration", "terminal", "is_arrival"),
	}, t.updateTerminal)

	reg.Register(llm.Tool{
		Name:        "update_registration",
		Description: "Update the registration number for a booking",
		Schema: objectSchema(map[string]any{
			"old_registration": stringProp("The current vehicle registration number"),
			"new_registration": stringProp("The new vehicle registration number"),
			"is_arrival":       boolProp("True if the customer is arriving, False if departing"),
		}, "old_registration", "new_registration", "is_arrival"),
	}, t.updateRegistration)

	reg.Register(llm.Tool{
		Name:        "update_phone_number",
		Description: "Update the phone number for a booking",
		Schema: objectSchema(map[string]any{
			"registration": stringProp("The vehicle registration number"),
			"phone_number": stringProp("The new phone number"),
			"is_arrival":   boolProp("True if the customer is arriving, False if departing"),
		}, "registration", "phone_number", "is_arrival"),
	}, t.updatePhoneNumber)

	reg.Register(llm.Tool{
		Name:        "whatsapp_message",
		Description: "Send a WhatsApp message to the manager about a booking",
		Schema: objectSchema(map[string]any{
			"registration": stringProp("The vehicle registration number"),
			"is_arrival":   boolProp("True if the customer is arriving, False if departing"),
		}, "registration", "is_arrival"),
	}, t.whatsappMessage)

	reg.Register(llm.Tool{
		Name:        "give_instructions",
		Description: "Read out the drop-off instructions for the allocated car park",
		Schema: objectSchema(map[string]any{
			"registration": stringProp("The vehicle registration number"),
		}, "registration"),
	}, t.giveInstructions)

	reg.Register(llm.Tool{
		Name:        "transfer_call",
		Description: "Transfer the current call to a human agent",
		Schema: objectSchema(map[string]any{
			"call_sid": stringProp("The unique identifier for the current call"),
		}, "call_sid"),
	}, t.transferCall)

	reg.Register(llm.Tool{
		Name:        "end_call",
		Description: "End the call once the customer has been helped and said goodbye",
		Schema: objectSchema(map[string]any{
			"is_arrival": boolProp("True if the customer is arriving, False if departing"),
		}),
	}, t.endCall)
}

func (t *Toolset) findBooking(ctx context.Context, args map[string]any) (any, error) {
	registration := NormalizeRegistration(argString(args, "registration"))
	isArrival := argBool(args, "is_arrival")

	record, err := t.Store.FindByRegistration(ctx, registration, isArrival)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("booking_not_found", "registration", registration, "is_arrival", isArrival)
		return map[string]any{
			"found": false,
			"error": fmt.Sprintf("No booking found for registration %s.", registration),
		}, nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	t.Tracker.MarkBookingFound()
	return map[string]any{
		"found":            true,
		"customerName":     record.Field("Name", "Not provided"),
		"terminal":         record.Field("Terminal", "Not provided"),
		"bookingTime":      t.spokenBookingTime(record),
		"contactNumber":    FormatContactNumber(record.Field("Contact_Number", "")),
		"allocatedCarPark": record.Field("Allocated_Car_Park", "Not provided"),
		"registration":     registration,
		"isArrival":        isArrival,
	}, nil
}

func (t *Toolset) findBookingByPhone(ctx context.Context, args map[string]any) (any, error) {
	phone := NormalizePhone(argString(args, "phone_number"))
	isArrival := argBool(args, "is_arrival")

	record, err := t.Store.FindByPhone(ctx, phone, isArrival)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{
			"found": false,
			"error": "No booking found for this phone number.",
		}, nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	t.Tracker.MarkBookingFound()
	return map[string]any{
		"found":            true,
		"customerName":     record.Field("Name", "Not provided"),
		"terminal":         record.Field("Terminal", "Not provided"),
		"bookingTime":      t.spokenBookingTime(record),
		"contactNumber":    record.Field("Contact_Number", "Not provided"),
		"allocatedCarPark": record.Field("Allocated_Car_Park", "Not provided"),
		"registration":     record.Field("Registration", "Not provided"),
		"isArrival":        isArrival,
	}, nil
}

func (t *Toolset) updateETA(ctx context.Context, args map[string]any) (any, error) {
	registration := NormalizeRegistration(argString(args, "registration"))
	customerETA := argString(args, "customer_eta")
	isArrival := argBool(args, "is_arrival")

	record, err := t.Store.FindByRegistration(ctx, registration, isArrival)
	if errors.Is(err, ErrNotFound) {
		return notFoundPayload(), nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	eta, ok := ParseETA(customerETA, t.now(), t.loc())
	if !ok {
		return nil, errorsx.Wrap(errors.New(invalidETAMessage), errorsx.ReasonValidation)
	}

	updated, err := t.Store.UpdateFields(ctx, isArrival, record.ID, map[string]any{
		"Current_ETA": eta.Format(etaWriteLayout),
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	t.Tracker.MarkETAUpdated()
	slog.Info("eta_updated", "registration", registration, "eta", eta.Format(time.RFC3339))
	return map[string]any{
		"success":       "ETA updated successfully.",
		"updatedRecord": updated,
		"formattedETA":  eta.Format(spokenTimeLayout),
		"isArrival":     isArrival,
	}, nil
}

func (t *Toolset) updateTerminal(ctx context.Context, args map[string]any) (any, error) {
	registration := NormalizeRegistration(argString(args, "registration"))
	terminal := argString(args, "terminal")
	isArrival := argBool(args, "is_arrival")

	record, err := t.Store.FindByRegistration(ctx, registration, isArrival)
	if errors.Is(err, ErrNotFound) {
		return notFoundPayload(), nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	updated, err := t.Store.UpdateFields(ctx, isArrival, record.ID, map[string]any{
		"Terminal": terminal,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	return map[string]any{
		"success":         "Terminal updated successfully.",
		"updatedRecord":   updated,
		"updatedTerminal": terminal,
		"isArrival":       isArrival,
	}, nil
}

func (t *Toolset) updateRegistration(ctx context.Context, args map[string]any) (any, error) {
	oldReg := NormalizeRegistration(argString(args, "old_registration"))
	newReg := NormalizeRegistration(argString(args, "new_registration"))
	isArrival := argBool(args, "is_arrival")

	record, err := t.Store.FindByRegistration(ctx, oldReg, isArrival)
	if errors.Is(err, ErrNotFound) {
		return notFoundPayload(), nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	updated, err := t.Store.UpdateFields(ctx, isArrival, record.ID, map[string]any{
		"Registration": newReg,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	return map[string]any{
		"success":         "Registration updated successfully.",
		"updatedRecord":   updated,
		"oldRegistration": oldReg,
		"newRegistration": newReg,
		"isArrival":       isArrival,
	}, nil
}

func (t *Toolset) updatePhoneNumber(ctx context.Context, args map[string]any) (any, error) {
	registration := NormalizeRegistration(argString(args, "registration"))
	phone := argString(args, "phone_number")
	isArrival := argBool(args, "is_arrival")

	record, err := t.Store.FindByRegistration(ctx, registration, isArrival)
	if errors.Is(err, ErrNotFound) {
		return notFoundPayload(), nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	updated, err := t.Store.UpdateFields(ctx, isArrival, record.ID, map[string]any{
		"Contact_Number": phone,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	return map[string]any{
		"success":            "Phone number updated successfully.",
		"updatedRecord":      updated,
		"updatedPhoneNumber": phone,
		"isArrival":          isArrival,
	}, nil
}

func (t *Toolset) whatsappMessage(ctx context.Context, args map[string]any) (any, error) {
	registration := NormalizeRegistration(argString(args, "registration"))
	isArrival := argBool(args, "is_arrival")

	record, err := t.Store.FindByRegistration(ctx, registration, isArrival)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{"error": "No booking found for this registration number."}, nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTableStore)
	}

	messageID, err := t.Notifier.SendStaffMessage(ctx, staffMessageBody(record, registration, isArrival))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonMessaging)
	}

	t.Tracker.MarkStaffNotified()
	slog.Info("staff_notified", "registration", registration, "message_id", messageID)
	return map[string]any{
		"success":   "Manager notified successfully.",
		"messageId": messageID,
		"isArrival": isArrival,
	}, nil
}

func (t *Toolset) giveInstructions(ctx context.Context, args map[string]any) (any, error) {
	registration := NormalizeRegistration(argString(args, "registration"))
	instructions := t.Instructions
	if instructions == "" {
		instructions = "Please follow the signs for the meet and greet car park and a member of staff will meet you at the barrier."
	}
	t.Tracker.MarkInstructionsGiven()
	return map[string]any{
		"registration": registration,
		"instructions": instructions,
	}, nil
}

func (t *Toolset) transferCall(ctx context.Context, args map[string]any) (any, error) {
	callSID := argString(args, "call_sid")
	if callSID == "" {
		callSID = t.CallSID
	}
	if err := t.Transferrer.TransferToAgent(ctx, callSID); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransfer)
	}
	return map[string]any{
		"success": "The call was transferred successfully, say goodbye to the customer.",
	}, nil
}

// endCall consults the departure checklist before agreeing to hang up. The
// gate is advisory: when steps are missing the model is told which ones so
// it can finish them, and the call stays open.
func (t *Toolset) endCall(ctx context.Context, args map[string]any) (any, error) {
	isArrival := argBool(args, "is_arrival")
	if !isArrival && !t.Tracker.IsComplete() {
		return map[string]any{
			"end_call":      false,
			"missing_steps": t.Tracker.Missing(),
			"message":       "The departure checklist is not complete. Finish the missing steps before ending the call.",
		}, nil
	}
	return map[string]any{
		"end_call": true,
		"message":  "Say goodbye to the customer and end the call.",
	}, nil
}

func (t *Toolset) spokenBookingTime(record Record) string {
	raw := record.Field("Entry_Date_Time", "")
	if raw == "" {
		return "Not provided"
	}
	parsed, err := time.ParseInLocation(entryDateTimeLayout, raw, t.loc())
	if err != nil {
		slog.Error("booking_time_unparseable", "value", raw)
		return "Date format error"
	}
	return parsed.Format(spokenTimeLayout)
}

func staffMessageBody(record Record, registration string, isArrival bool) string {
	bookingType := "Departure (Drop-off)"
	whenLabel := "Entry"
	etaLabel := "ETA"
	action := "drop-off"
	if isArrival {
		bookingType = "Arrival (Pick-up)"
		whenLabel = "Arrival"
		etaLabel = "Landing Time"
		action = "pick-up"
	}
	return fmt.Sprintf(`
New %s Booking Requires Driver Assignment:
- Vehicle: %s
- Registration: %s
- Customer Name: %s
- Contact Number: %s
- %s Date/Time: %s
- Estimated %s: %s
- Terminal: %s

Please assign a driver for this %s.
`,
		bookingType,
		record.Field("Vehicle_Make", "N/A"),
		registration,
		record.Field("Name", "N/A"),
		record.Field("Contact_Number", "N/A"),
		whenLabel,
		record.Field("Entry_Date_Time", "N/A"),
		etaLabel,
		record.Field("Current_ETA", "N/A"),
		record.Field("Terminal", "N/A"),
		action)
}

func notFoundPayload() map[string]any {
	return map[string]any{"error": "No booking found for this registration number."}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}
