package ldap

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// BinaryPrefix marks a base64-rendered binary value.
const BinaryPrefix = "b64:"

// ValueRenderer turns one raw attribute value into text.
type ValueRenderer interface {
	Render(attribute string, raw []byte) string
}

// ValueRendererFunc adapts a function to ValueRenderer.
type ValueRendererFunc func(attribute string, raw []byte) string

func (f ValueRendererFunc) Render(attribute string, raw []byte) string {
	return f(attribute, raw)
}

// DefaultRenderer renders objectGUID and objectSid in their string forms,
// passes UTF-8 text through, and base64-encodes other binary data.
var DefaultRenderer ValueRenderer = ValueRendererFunc(renderValue)

func renderValue(attribute string, raw []byte) string {
	switch {
	case strings.EqualFold(attribute, "objectGUID"):
		if s, err := GUIDBytesToString(raw); err == nil {
			return s
		}
	case strings.EqualFold(attribute, "objectSid"):
		if s, err := SIDBytesToString(raw); err == nil {
			return s
		}
	}

	if utf8.Valid(raw) {
		return string(raw)
	}

	return BinaryPrefix + base64.StdEncoding.EncodeToString(raw)
}
