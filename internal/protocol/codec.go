package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors.
var (
	// ErrMalformedEvent means the payload is not valid JSON, has no type tag,
	// or carries an invalid field value.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownEvent means the type tag is not part of the vocabulary.
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrReservedEvent means a desktop sent a kind only the relay may produce.
	ErrReservedEvent = errors.New("event type reserved for the relay")
)

type validator interface {
	validate() error
}

// Decode parses any event, including relay-produced kinds. Viewers use it to
// read a session stream.
func Decode(raw []byte) (Event, error) {
	var head struct {
		Type *Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if head.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch *head.Type {
	case KindScrollback:
		return decodeAs[ScrollbackEvent](raw)
	case KindState:
		return decodeAs[StateEvent](raw)
	case KindScreen:
		return decodeAs[ScreenEvent](raw)
	case KindTitle:
		return decodeAs[TitleEvent](raw)
	case KindGit:
		return decodeAs[GitEvent](raw)
	case KindChanges:
		return decodeAs[ChangesEvent](raw)
	case KindStats:
		return decodeAs[StatsEvent](raw)
	case KindDesktopStatus:
		return decodeAs[DesktopStatusEvent](raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, *head.Type)
}

// DecodeDesktop parses an event received from a desktop connection.
func DecodeDesktop(raw []byte) (Event, error) {
	e, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if e.Kind() == KindDesktopStatus {
		return nil, fmt.Errorf("%w: %s", ErrReservedEvent, e.Kind())
	}
	return e, nil
}

func decodeAs[T Event](raw []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if v, ok := any(e).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	return e, nil
}

// Encode serializes an event with its type tag.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func (e ScrollbackEvent) validate() error {
	if e.TotalLines < 0 {
		return fmt.Errorf("total_lines %d is negative", e.TotalLines)
	}
	return nil
}

func (e StateEvent) validate() error {
	if !e.State.Valid() {
		return fmt.Errorf("invalid state %q", e.State)
	}
	return nil
}

func (e StatsEvent) validate() error {
	if e.Prompts < 0 || e.Completions < 0 || e.Tools < 0 || e.ThinkingSeconds < 0 || e.WorkSeconds < 0 {
		return errors.New("negative counter")
	}
	return nil
}
