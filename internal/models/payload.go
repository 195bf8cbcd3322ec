package models

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"callbridge/internal/errors"
)

// Service discriminates which external API a task targets.
type Service string

const (
	ServiceVoice Service = "VOICE"
	ServiceChat  Service = "B2"
)

// ParseService accepts the stored discriminator, case-insensitively.
func ParseService(s string) (Service, bool) {
	switch Service(strings.ToUpper(strings.TrimSpace(s))) {
	case ServiceVoice:
		return ServiceVoice, true
	case ServiceChat:
		return ServiceChat, true
	}
	return "", false
}

// Payload is the typed body of a task. Each service has exactly one variant.
type Payload interface {
	Service() Service
	Validate() error
}

var (
	callIDPattern   = regexp.MustCompile(`^[0-9A-Za-z_-]{1,64}$`)
	e164Pattern     = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	fallbackPattern = regexp.MustCompile(`^(\+?[1-9]\d{1,14}|[0-9]{1,8})$`)
)

const (
	CallTypeExtension = "ext"
	CallTypePhone     = "phone"
	DefaultCallLabel  = "Scheduled Call"
)

// FlexString decodes from a JSON string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Invalidf("expected string or number, got %s", string(b))
	}
	*f = FlexString(n.String())
	return nil
}

// VoicePayload bridges two legs: the first destination is rung, then connected to the second.
type VoicePayload struct {
	FirstCallType  string     `json:"first_call_type"`
	FirstCallID    FlexString `json:"first_call_id"`
	SecondCallType string     `json:"second_call_type"`
	SecondCallID   FlexString `json:"second_call_id"`
	NumberDefault  FlexString `json:"number_default,omitempty"`
	Label          string     `json:"label"`
}

func (VoicePayload) Service() Service { return ServiceVoice }

// Validate checks the legs and normalizes the label in place.
func (p *VoicePayload) Validate() error {
	p.FirstCallType = strings.ToLower(strings.TrimSpace(p.FirstCallType))
	p.SecondCallType = strings.ToLower(strings.TrimSpace(p.SecondCallType))
	for _, leg := range []struct {
		name, typ string
		id        FlexString
	}{
		{"first_call", p.FirstCallType, p.FirstCallID},
		{"second_call", p.SecondCallType, p.SecondCallID},
	} {
		if leg.typ != CallTypeExtension && leg.typ != CallTypePhone {
			return errors.Invalidf("%s_type must be %q or %q", leg.name, CallTypeExtension, CallTypePhone)
		}
		if !callIDPattern.MatchString(string(leg.id)) {
			return errors.Invalidf("%s_id must be 1-64 letters, digits, '-' or '_'", leg.name)
		}
	}
	if p.NumberDefault != "" && !fallbackPattern.MatchString(string(p.NumberDefault)) {
		return errors.Invalidf("number_default must be an E.164 number or an extension")
	}
	p.Label = sanitizeLabel(p.Label)
	if p.Label == "" {
		p.Label = DefaultCallLabel
	}
	return nil
}

// DialRequest is the body sent to the voice API.
func (p VoicePayload) DialRequest() map[string]any {
	req := map[string]any{
		"datetime": "now",
		"first_call": map[string]string{
			"destination_type": p.FirstCallType,
			"destination_id":   string(p.FirstCallID),
		},
		"second_call": map[string]string{
			"destination_type": p.SecondCallType,
			"destination_id":   string(p.SecondCallID),
		},
		"label": p.Label,
	}
	if p.NumberDefault != "" {
		req["preferred_trunk"] = string(p.NumberDefault)
	}
	return req
}

// ChatPayload is a templated broadcast to a single recipient.
type ChatPayload struct {
	From            string   `json:"from"`
	To              string   `json:"to"`
	TemplateName    string   `json:"template_name"`
	CampaignName    string   `json:"campaign_name"`
	HeaderURL       string   `json:"header_url,omitempty"`
	Values          []string `json:"values"`
	BroadcastTarget string   `json:"broadcast_target"`
}

func (ChatPayload) Service() Service { return ServiceChat }

func (p *ChatPayload) Validate() error {
	p.From = strings.TrimSpace(p.From)
	p.To = strings.TrimSpace(p.To)
	if !e164Pattern.MatchString(p.From) {
		return errors.Invalidf("from must be an E.164 number")
	}
	if !e164Pattern.MatchString(p.To) {
		return errors.Invalidf("to must be an E.164 number")
	}
	for _, f := range [][2]string{
		{"template_name", p.TemplateName},
		{"campaign_name", p.CampaignName},
		{"broadcast_target", p.BroadcastTarget},
	} {
		if strings.TrimSpace(f[1]) == "" {
			return errors.Invalidf("%s is required", f[0])
		}
	}
	if p.HeaderURL != "" {
		u, err := url.ParseRequestURI(p.HeaderURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Invalidf("header_url must be an absolute http(s) URL")
		}
	}
	if p.Values == nil {
		p.Values = []string{}
	}
	return nil
}

// DecodePayload turns a stored document into the variant for service.
func DecodePayload(service Service, raw []byte) (Payload, error) {
	switch service {
	case ServiceVoice:
		var p VoicePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "decode voice payload")
		}
		return &p, nil
	case ServiceChat:
		var p ChatPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "decode chat payload")
		}
		return &p, nil
	}
	return nil, errors.Newf("unknown service %q", string(service))
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return b, nil
}

func sanitizeLabel(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) > 255 {
		s = strings.ToValidUTF8(s[:255], "")
	}
	return s
}

// ParsePriority validates an optional priority, defaulting to DefaultPriority.
func ParsePriority(raw string) (int, error) {
	if raw == "" {
		return DefaultPriority, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < MinPriority || n > MaxPriority {
		return 0, errors.Invalidf("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	return n, nil
}
