// Package protocol defines the JSON messages exchanged with the
// conversational agent over its WebSocket control channel.
//
// Every message is a variant of the [Message] interface. [Decode] maps the
// "type" discriminator of an inbound frame to a concrete variant and returns
// [Unrecognized] for types it does not know, so new server events never break
// a client. [Encode] produces the exact wire shape of each outbound variant.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeInit               Type = "conversation_initiation_client_data"
	TypeUserAudioChunk     Type = "user_audio_chunk"
	TypePong               Type = "pong"
	TypeInitiationMetadata Type = "conversation_initiation_metadata"
	TypeUserTranscript     Type = "user_transcript"
	TypeAgentResponse      Type = "agent_response"
	TypeAudio              Type = "audio"
	TypePing               Type = "ping"
)

// ErrMalformed is matched by every error [Decode] returns.
var ErrMalformed = errors.New("protocol: malformed message")

// Message is one control-channel message.
type Message interface {
	// Type returns the wire discriminator.
	Type() Type
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// Init is sent once right after the channel opens. Every field is optional;
// the agent supplies its own defaults.
type Init struct {
	// Override optionally replaces parts of the agent's configuration.
	Override *ConfigOverride `json:"conversation_config_override,omitempty"`

	// DynamicVariables fill placeholders in the agent prompt.
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// ConfigOverride carries per-conversation agent overrides.
type ConfigOverride struct {
	Agent *AgentOverride `json:"agent,omitempty"`
}

// AgentOverride replaces the agent's first message or language.
type AgentOverride struct {
	FirstMessage string `json:"first_message,omitempty"`
	Language     string `json:"language,omitempty"`
}

func (Init) Type() Type { return TypeInit }

// UserAudioChunk carries one capture window of base64 PCM16LE mono at
// 16 kHz. On the wire it has no "type" field.
type UserAudioChunk struct {
	Audio string
}

func (UserAudioChunk) Type() Type { return TypeUserAudioChunk }

// Pong answers a [Ping]. EventID is echoed back byte for byte, whatever
// JSON value the agent chose for it.
type Pong struct {
	EventID json.RawMessage
}

func (Pong) Type() Type { return TypePong }

// ── Inbound ───────────────────────────────────────────────────────────────────

// InitiationMetadata describes the conversation the agent just opened.
type InitiationMetadata struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

func (InitiationMetadata) Type() Type { return TypeInitiationMetadata }

// UserTranscript is the agent's transcription of what the user said.
type UserTranscript struct {
	Text string
}

func (UserTranscript) Type() Type { return TypeUserTranscript }

// AgentResponse is the text of the agent's next spoken reply.
type AgentResponse struct {
	Text string
}

func (AgentResponse) Type() Type { return TypeAgentResponse }

// Audio carries one chunk of base64 PCM16LE mono speech from the agent.
type Audio struct {
	Base64  string
	EventID json.RawMessage
}

func (Audio) Type() Type { return TypeAudio }

// Ping is a liveness check; the client must answer with a [Pong].
type Ping struct {
	EventID json.RawMessage
	PingMs  float64
}

func (Ping) Type() Type { return TypePing }

// Unrecognized is any inbound message whose type this package does not know.
type Unrecognized struct {
	RawType string
	Raw     json.RawMessage
}

func (u Unrecognized) Type() Type { return Type(u.RawType) }

// ── Wire shapes ───────────────────────────────────────────────────────────────

type envelope struct {
	Type           string          `json:"type"`
	UserAudioChunk *string         `json:"user_audio_chunk,omitempty"`
	Metadata       *metadataEvent  `json:"conversation_initiation_metadata_event,omitempty"`
	Transcription  *transcriptEvt  `json:"user_transcription_event,omitempty"`
	Response       *responseEvent  `json:"agent_response_event,omitempty"`
	Audio          *audioEvent     `json:"audio_event,omitempty"`
	Ping           *pingEvent      `json:"ping_event,omitempty"`
	EventID        json.RawMessage `json:"event_id,omitempty"`
	Override       *ConfigOverride `json:"conversation_config_override,omitempty"`
}

type metadataEvent struct {
	ConversationID    string `json:"conversation_id"`
	AgentOutputFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputFormat   string `json:"user_input_audio_format,omitempty"`
}

type transcriptEvt struct {
	UserTranscript string `json:"user_transcript"`
}

type responseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type audioEvent struct {
	Base64  string          `json:"audio_base_64"`
	EventID json.RawMessage `json:"event_id,omitempty"`
}

type pingEvent struct {
	EventID json.RawMessage `json:"event_id"`
	PingMs  float64         `json:"ping_ms,omitempty"`
}

type initWire struct {
	Type             Type              `json:"type"`
	Override         *ConfigOverride   `json:"conversation_config_override,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type audioChunkWire struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongWire struct {
	Type    Type            `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

// Encode returns the JSON text frame for msg. Only outbound variants can be
// encoded.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Init:
		return json.Marshal(initWire{Type: TypeInit, Override: m.Override, DynamicVariables: m.DynamicVariables})
	case *Init:
		return Encode(*m)
	case UserAudioChunk:
		return json.Marshal(audioChunkWire{UserAudioChunk: m.Audio})
	case Pong:
		return json.Marshal(pongWire{Type: TypePong, EventID: m.EventID})
	default:
		return nil, fmt.Errorf("protocol: encode: unsupported message %T", msg)
	}
}

// Decode parses one inbound JSON text frame. Known types whose payload
// object is missing return an error matching [ErrMalformed]; unknown types
// return [Unrecognized] and no error.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Type(env.Type) {
	case TypeInitiationMetadata:
		var m InitiationMetadata
		if env.Metadata != nil {
			m = InitiationMetadata{
				ConversationID:    env.Metadata.ConversationID,
				AgentOutputFormat: env.Metadata.AgentOutputFormat,
				UserInputFormat:   env.Metadata.UserInputFormat,
			}
		}
		return m, nil

	case TypeUserTranscript:
		if env.Transcription == nil {
			return nil, missing(env.Type, "user_transcription_event")
		}
		return UserTranscript{Text: env.Transcription.UserTranscript}, nil

	case TypeAgentResponse:
		if env.Response == nil {
			return nil, missing(env.Type, "agent_response_event")
		}
		return AgentResponse{Text: env.Response.AgentResponse}, nil

	case TypeAudio:
		if env.Audio == nil {
			return nil, missing(env.Type, "audio_event")
		}
		return Audio{Base64: env.Audio.Base64, EventID: env.Audio.EventID}, nil

	case TypePing:
		if env.Ping == nil {
			return nil, missing(env.Type, "ping_event")
		}
		return Ping{EventID: env.Ping.EventID, PingMs: env.Ping.PingMs}, nil

	case TypeInit:
		return Init{Override: env.Override}, nil

	case TypePong:
		if len(env.EventID) == 0 {
			return nil, missing(env.Type, "event_id")
		}
		return Pong{EventID: env.EventID}, nil

	case "":
		if env.UserAudioChunk != nil {
			return UserAudioChunk{Audio: *env.UserAudioChunk}, nil
		}
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Unrecognized{RawType: env.Type, Raw: raw}, nil
}

func missing(typ, field string) error {
	return fmt.Errorf("%w: %s without %s", ErrMalformed, typ, field)
}
