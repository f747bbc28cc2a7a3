package core

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// attackTypePattern: lowercase tag, letters first, underscores/dots/dashes allowed.
var attackTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_.\-]{0,63}$`)

// EventValidator checks inbound detection events before they reach the engine.
type EventValidator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// NewEventValidator creates a validator with the attacktype rule registered.
func NewEventValidator() *EventValidator {
	v := validator.New()
	_ = v.RegisterValidation("attacktype", func(fl validator.FieldLevel) bool {
		return attackTypePattern.MatchString(fl.Field().String())
	})
	return &EventValidator{validate: v, maxFuture: 5 * time.Minute}
}

// Validate normalizes the event and then validates it. All failures wrap ErrInvalidEvent.
func (v *EventValidator) Validate(event *DetectionEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	event.Normalize()

	if err := v.validate.Struct(event); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if event.Timestamp.After(time.Now().UTC().Add(v.maxFuture)) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrInvalidEvent, event.Timestamp.Format(time.RFC3339))
	}
	return nil
}
