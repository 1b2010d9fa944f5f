// Package proto defines the wire schema spoken between a cluster host and
// its workers. A worker holds one persistent bidirectional stream to the
// host; every operation on that stream is a Frame carrying exactly one of
// the message kinds below. Payloads are opaque bytes tagged with a logical
// type name and content type so independently built workers agree on
// encodings without sharing Go types.
package proto

// AgentRef is the wire form of an agent address.
type AgentRef struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// TopicRef is the wire form of a topic address.
type TopicRef struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

// Payload carries one serialized application message.
type Payload struct {
	TypeName    string `json:"type_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
}

// Event is one published message. Workers wrap it in a Publish frame on the
// way to the host; the host forwards it bare, one Event per subscribed
// connection, regardless of how many local agents on that worker match.
type Event struct {
	MessageID string    `json:"message_id"`
	Topic     TopicRef  `json:"topic"`
	Sender    *AgentRef `json:"sender,omitempty"`
	Payload   Payload   `json:"payload"`
}

// RpcRequest is an awaited point-to-point call. The host routes it to the
// connection owning Target.Type; the answering worker replies with an
// RpcResponse carrying the same RequestID.
type RpcRequest struct {
	RequestID string    `json:"request_id"`
	MessageID string    `json:"message_id"`
	Target    AgentRef  `json:"target"`
	Sender    *AgentRef `json:"sender,omitempty"`
	Payload   Payload   `json:"payload"`
}

// RpcResponse answers an RpcRequest. Exactly one of Payload or Error is
// meaningful; Code refines Error for callers that map wire failures back to
// typed errors.
type RpcResponse struct {
	RequestID string   `json:"request_id"`
	Payload   *Payload `json:"payload,omitempty"`
	Code      string   `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RegisterType claims ownership of an agent type for the sending connection.
// The host acks with the same RequestID; a conflict with a currently
// connected owner comes back as CodeAlreadyExists.
type RegisterType struct {
	RequestID string `json:"request_id"`
	Type      string `json:"type"`
}

// SubscriptionSpec is the declarative wire form of a routing rule. The ID is
// assigned by the worker and preserved by the host so both sides name the
// same rule when removing it.
type SubscriptionSpec struct {
	ID        string `json:"id"`
	TopicType string `json:"topic_type"`
	AgentType string `json:"agent_type"`
}

// AddSubscription installs a routing rule in the host's subscription table.
type AddSubscription struct {
	RequestID    string           `json:"request_id"`
	Subscription SubscriptionSpec `json:"subscription"`
}

// RemoveSubscription deletes a routing rule by ID.
type RemoveSubscription struct {
	RequestID string `json:"request_id"`
	ID        string `json:"id"`
}

// Publish asks the host to fan an Event out to every subscribed connection.
// The host acks only on failure; a worker treats silence as acceptance so
// publishing stays fire-and-forget.
type Publish struct {
	RequestID string `json:"request_id"`
	Event     Event  `json:"event"`
}

// Ack codes. An empty code means success.
const (
	CodeOK                = ""
	CodeAlreadyExists     = "already_exists"
	CodeNotFound          = "not_found"
	CodeInvalidArgument   = "invalid_argument"
	CodeResourceExhausted = "resource_exhausted"
	CodeInternal          = "internal"
)

// Ack closes the loop on a RequestID-bearing frame.
type Ack struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Frame is the single message type multiplexed on the worker stream.
// Exactly one field is set per frame.
type Frame struct {
	Register  *RegisterType       `json:"register,omitempty"`
	AddSub    *AddSubscription    `json:"add_subscription,omitempty"`
	RemoveSub *RemoveSubscription `json:"remove_subscription,omitempty"`
	Publish   *Publish            `json:"publish,omitempty"`
	Event     *Event              `json:"event,omitempty"`
	Request   *RpcRequest         `json:"request,omitempty"`
	Response  *RpcResponse        `json:"response,omitempty"`
	Ack       *Ack                `json:"ack,omitempty"`
}

// Kind names the set branch, or returns "" for an empty frame. Used for
// routing switches and log lines.
func (f *Frame) Kind() string {
	switch {
	case f == nil:
		return ""
	case f.Register != nil:
		return "register"
	case f.AddSub != nil:
		return "add_subscription"
	case f.RemoveSub != nil:
		return "remove_subscription"
	case f.Publish != nil:
		return "publish"
	case f.Event != nil:
		return "event"
	case f.Request != nil:
		return "request"
	case f.Response != nil:
		return "response"
	case f.Ack != nil:
		return "ack"
	default:
		return ""
	}
}

// RequestID returns the correlation ID of the set branch, or "" for frames
// that carry none (bare events).
func (f *Frame) RequestID() string {
	switch {
	case f == nil:
		return ""
	case f.Register != nil:
		return f.Register.RequestID
	case f.AddSub != nil:
		return f.AddSub.RequestID
	case f.RemoveSub != nil:
		return f.RemoveSub.RequestID
	case f.Publish != nil:
		return f.Publish.RequestID
	case f.Request != nil:
		return f.Request.RequestID
	case f.Response != nil:
		return f.Response.RequestID
	case f.Ack != nil:
		return f.Ack.RequestID
	default:
		return ""
	}
}
