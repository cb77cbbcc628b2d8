// Package protocol defines the JSON envelopes exchanged with the Gemini
// BidiGenerateContent websocket endpoint.
//
// Field names and nesting are part of the compatibility surface: client
// message bodies use camelCase keys, while the setup body uses snake_case,
// matching what the service accepts. Unknown inbound fields are ignored.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"
)

const (
	ModalityAudio = "AUDIO"
	ModalityText  = "TEXT"

	MimeImageJPEG = "image/jpg"
)

// PCMMime builds the audio mime tag for a PCM stream at the given rate,
// for example "audio/pcm;rate=16000".
func PCMMime(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// ParseAudioMime splits a mime tag of the form "audio/pcm;rate=24000" into
// its media type and sample rate.
func ParseAudioMime(mime string) (string, int, error) {
	base, param, ok := strings.Cut(mime, ";")
	if !ok {
		return "", 0, fmt.Errorf("mime %q has no rate parameter", mime)
	}
	rateStr, ok := strings.CutPrefix(strings.TrimSpace(param), "rate=")
	if !ok {
		return "", 0, fmt.Errorf("mime %q has no rate parameter", mime)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return "", 0, fmt.Errorf("mime %q has invalid rate %q", mime, rateStr)
	}
	return strings.TrimSpace(base), rate, nil
}

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badFrame(format string, args ...any) *DecodeError {
	return &DecodeError{Message: fmt.Sprintf(format, args...)}
}

//
// Outbound envelopes. Exactly one variant per transport frame.
//

// Setup is the first message sent after the socket opens. It negotiates the
// model, response modality, voice and the declared tool set.
type Setup struct {
	Model             string             `json:"model"`
	GenerationConfig  GenerationConfig   `json:"generation_config"`
	SystemInstruction *SystemInstruction `json:"system_instruction,omitempty"`
	Tools             []Tool             `json:"tools"`
}

type GenerationConfig struct {
	ResponseModalities []string     `json:"response_modalities"`
	SpeechConfig       SpeechConfig `json:"speech_config"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voice_config"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type SystemInstruction struct {
	Parts []TextPart `json:"parts"`
}

type TextPart struct {
	Text string `json:"text"`
}

// Tool declares one tool in the setup message. Exactly one field is set.
type Tool struct {
	GoogleSearch         *GoogleSearch                `json:"google_search,omitempty"`
	CodeExecution        *CodeExecution               `json:"code_execution,omitempty"`
	FunctionDeclarations []*genai.FunctionDeclaration `json:"function_declarations,omitempty"`
}

type GoogleSearch struct{}

type CodeExecution struct{}

// ClientContent carries a locally originated text turn.
type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// RealtimeInput carries streamed media chunks (mic audio, video frames).
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

// MediaChunk is one discrete unit of base64-encoded media payload.
type MediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolResponse answers one ToolCall event. It must carry exactly one entry
// per function call id received in the corresponding event.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Response any    `json:"response"`
}

// EncodeSetup wraps a Setup body in its outbound envelope.
func EncodeSetup(s Setup) ([]byte, error) {
	if strings.TrimSpace(s.Model) == "" {
		return nil, fmt.Errorf("setup requires a model")
	}
	if s.Tools == nil {
		s.Tools = []Tool{}
	}
	return json.Marshal(struct {
		Setup Setup `json:"setup"`
	}{Setup: s})
}

// EncodeTextTurn wraps user text as a complete clientContent turn.
func EncodeTextTurn(text string) ([]byte, error) {
	return json.Marshal(struct {
		ClientContent ClientContent `json:"clientContent"`
	}{ClientContent: ClientContent{
		Turns: []Content{{
			Parts: []Part{{Text: text}},
			Role:  "user",
		}},
		TurnComplete: true,
	}})
}

// EncodeMediaChunk wraps one raw media payload as a realtimeInput frame.
func EncodeMediaChunk(mimeType string, payload []byte) ([]byte, error) {
	if strings.TrimSpace(mimeType) == "" {
		return nil, fmt.Errorf("media chunk requires a mime type")
	}
	return json.Marshal(struct {
		RealtimeInput RealtimeInput `json:"realtimeInput"`
	}{RealtimeInput: RealtimeInput{
		MediaChunks: []MediaChunk{{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(payload),
		}},
	}})
}

// EncodeToolResponse wraps collected function responses in their envelope.
func EncodeToolResponse(responses []FunctionResponse) ([]byte, error) {
	if responses == nil {
		responses = []FunctionResponse{}
	}
	return json.Marshal(struct {
		ToolResponse ToolResponse `json:"toolResponse"`
	}{ToolResponse: ToolResponse{FunctionResponses: responses}})
}

//
// Inbound events. The server sets exactly one top-level field per frame.
//

// ServerMessage is the decoded union of inbound event variants.
type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	ToolCall      *ToolCall      `json:"toolCall,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	Interrupted       bool               `json:"interrupted,omitempty"`
	TurnComplete      bool               `json:"turnComplete,omitempty"`
	ModelTurn         *Content           `json:"modelTurn,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// Content is a list of parts attributed to a role.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part carries exactly one of text, inline media, or executable code.
type Part struct {
	Text           string          `json:"text,omitempty"`
	InlineData     *Blob           `json:"inlineData,omitempty"`
	ExecutableCode json.RawMessage `json:"executableCode,omitempty"`
}

// Blob is inline media with a mime tag and base64 payload.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// DecodeBytes returns the decoded payload of the blob.
func (b *Blob) DecodeBytes() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("decode inline data: %w", err)
	}
	return data, nil
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is one function invocation request. ID correlates the
// matching entry in the toolResponse message.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type GroundingMetadata struct {
	GroundingChunks []GroundingChunk `json:"groundingChunks,omitempty"`
}

type GroundingChunk struct {
	Web *WebSource `json:"web,omitempty"`
}

type WebSource struct {
	Title string `json:"title,omitempty"`
	URI   string `json:"uri,omitempty"`
}

// DecodeServerMessage parses one inbound text frame. Unknown fields are
// ignored; a frame with no recognized variant decodes to an empty message
// rather than an error, since the service may add event types over time.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badFrame("invalid server frame: %v", err)
	}
	if msg.ToolCall != nil {
		seen := make(map[string]struct{}, len(msg.ToolCall.FunctionCalls))
		for _, call := range msg.ToolCall.FunctionCalls {
			id := strings.TrimSpace(call.ID)
			if id == "" {
				return nil, badFrame("toolCall function call missing id")
			}
			if _, dup := seen[id]; dup {
				return nil, badFrame("toolCall repeats function call id %q", id)
			}
			seen[id] = struct{}{}
		}
	}
	return &msg, nil
}
