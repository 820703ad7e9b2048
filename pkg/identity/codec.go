package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
)

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// wireEntityId is the JSON projection of an EntityId:
// {type: "user"|"agent", uid, name?, ancestry?}.
type wireEntityId struct {
	Type     string   `json:"type"`
	UID      string   `json:"uid"`
	Name     string   `json:"name,omitempty"`
	Ancestry []string `json:"ancestry,omitempty"`
}

func (e EntityId) toWire() wireEntityId {
	return wireEntityId{Type: string(e.Kind), UID: e.UID, Name: e.Name, Ancestry: e.Ancestry}
}

func (w wireEntityId) toEntityId() (EntityId, error) {
	switch EntityKind(w.Type) {
	case User, Agent:
	default:
		return EntityId{}, fmt.Errorf("identity: unknown entity type %q", w.Type)
	}
	return EntityId{Kind: EntityKind(w.Type), UID: w.UID, Name: w.Name, Ancestry: w.Ancestry}, nil
}

// MarshalJSON implements json.Marshaler.
func (e EntityId) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.toWire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *EntityId) UnmarshalJSON(data []byte) error {
	var w wireEntityId
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := w.toEntityId()
	if err != nil {
		return err
	}
	*e = id
	return nil
}

// Serialize renders e into the "serialized EntityId" string form used by the
// HTTP wire protocol's mailbox/discover request bodies.
func (e EntityId) Serialize() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseEntityId reverses Serialize.
func ParseEntityId(s string) (EntityId, error) {
	var e EntityId
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return EntityId{}, fmt.Errorf("identity: bad serialized entity id: %w", err)
	}
	return e, nil
}

// wireBody is the JSON projection of a Body: {variant, ...fields}.
type wireBody struct {
	Variant   Variant                    `json:"variant"`
	Name      string                     `json:"name,omitempty"`
	PArgs     []json.RawMessage          `json:"pargs,omitempty"`
	KArgs     map[string]json.RawMessage `json:"kargs,omitempty"`
	Terminate *bool                      `json:"terminate,omitempty"`
	TargetTag string                     `json:"target_tag,omitempty"`
	Value     json.RawMessage            `json:"value,omitempty"`
	ClassName string                     `json:"class_name,omitempty"`
	Message   string                     `json:"message,omitempty"`
	Repr      string                     `json:"repr,omitempty"`
}

func bodyToWire(b Body) wireBody {
	switch v := b.(type) {
	case ActionRequest:
		return wireBody{Variant: VariantAction, Name: v.Name, PArgs: v.PArgs, KArgs: v.KArgs}
	case PingRequest:
		return wireBody{Variant: VariantPing}
	case ShutdownRequest:
		return wireBody{Variant: VariantShutdown, Terminate: v.Terminate}
	case CancelRequest:
		return wireBody{Variant: VariantCancel, TargetTag: v.TargetTag}
	case ActionResult:
		return wireBody{Variant: VariantActionResult, Value: v.Value}
	case ErrorBody:
		return wireBody{Variant: VariantError, ClassName: v.ClassName, Message: v.Message, Repr: v.Repr}
	case SuccessBody:
		return wireBody{Variant: VariantSuccess}
	case PingResponseBody:
		return wireBody{Variant: VariantPingResponse}
	default:
		return wireBody{Variant: Variant(fmt.Sprintf("unknown:%T", b))}
	}
}

// wireToBody decodes a wireBody into the concrete Body implementation.
// Unknown variants fail with a decoding error rather than panicking, per the
// serialization invariant.
func wireToBody(w wireBody) (Body, error) {
	switch w.Variant {
	case VariantAction:
		return ActionRequest{Name: w.Name, PArgs: w.PArgs, KArgs: w.KArgs}, nil
	case VariantPing:
		return PingRequest{}, nil
	case VariantShutdown:
		return ShutdownRequest{Terminate: w.Terminate}, nil
	case VariantCancel:
		return CancelRequest{TargetTag: w.TargetTag}, nil
	case VariantActionResult:
		return ActionResult{Value: w.Value}, nil
	case VariantError:
		return ErrorBody{ClassName: w.ClassName, Message: w.Message, Repr: w.Repr}, nil
	case VariantSuccess:
		return SuccessBody{}, nil
	case VariantPingResponse:
		return PingResponseBody{}, nil
	default:
		return nil, exchangeerr.New(exchangeerr.BadEntity, "identity: unknown message body variant %q", w.Variant)
	}
}

// wireMessage is the JSON projection of a Message.
type wireMessage struct {
	Tag       string       `json:"tag"`
	Src       wireEntityId `json:"src"`
	Dest      wireEntityId `json:"dest"`
	Label     string       `json:"label"`
	Body      wireBody     `json:"body"`
	CreatedAt string       `json:"created_at"`
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Serialize renders m to its stable JSON wire form.
func Serialize(m Message) ([]byte, error) {
	w := wireMessage{
		Tag:       m.Tag,
		Src:       m.Src.toWire(),
		Dest:      m.Dest.toWire(),
		Label:     m.Label,
		Body:      bodyToWire(m.Body),
		CreatedAt: m.CreatedAt.Format(timeLayout),
	}
	return json.Marshal(w)
}

// Deserialize parses the stable JSON wire form back into a Message. Unknown
// body variants return a decoding error, never a panic.
func Deserialize(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("identity: decode message: %w", err)
	}
	src, err := w.Src.toEntityId()
	if err != nil {
		return Message{}, fmt.Errorf("identity: decode src: %w", err)
	}
	dest, err := w.Dest.toEntityId()
	if err != nil {
		return Message{}, fmt.Errorf("identity: decode dest: %w", err)
	}
	body, err := wireToBody(w.Body)
	if err != nil {
		return Message{}, err
	}
	createdAt, err := parseTime(w.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("identity: decode created_at: %w", err)
	}
	return Message{Tag: w.Tag, Src: src, Dest: dest, Label: w.Label, Body: body, CreatedAt: createdAt}, nil
}
