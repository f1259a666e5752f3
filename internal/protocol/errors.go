// Package protocol implements the line-oriented command language: the
// tokenizer, per-command-letter dispatch table, wire reply encoders, and
// the Error type covering the fixed set of protocol-level failure kinds.
package protocol

import "fmt"

// Kind names one of the fixed set of protocol error conditions.
type Kind string

const (
	KindLineTooLong Kind = "line-too-long"
	KindReadFailed  Kind = "read-failed"
	KindUnknownCmd  Kind = "unknown-command"
	KindSyntax      Kind = "syntax"
	KindOverflow    Kind = "overflow"
	KindOOM         Kind = "oom"
	KindBadAuth     Kind = "bad-auth"
	KindUTF8Invalid Kind = "utf8-invalid"
)

// Error is a protocol-level failure. Fatal errors (read-failed,
// line-too-long, overflow, oom, utf8-invalid) close the connection after
// being reported; argument-level errors (unknown tag, malformed MD5, bad
// GUID, bad field name, unknown command, bad auth) report and the
// connection stays open.
type Error struct {
	Kind   Kind
	Text   string // human text, or (when AsEcho) the offending token
	Fatal  bool
	AsEcho bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

// NewFatal builds a connection-closing error.
func NewFatal(kind Kind, text string) *Error {
	return &Error{Kind: kind, Text: text, Fatal: true}
}

// NewError builds a non-fatal coded error reported as "E<code> <text>".
func NewError(kind Kind, text string) *Error {
	return &Error{Kind: kind, Text: text}
}

// NewEcho builds a non-fatal argument-level error reported as
// "RE <token>" — used for argument errors such as an unknown tag, a
// malformed MD5, a bad GUID, or a bad field name.
func NewEcho(token string) *Error {
	return &Error{Kind: KindSyntax, Text: token, AsEcho: true}
}

// Reply renders the wire-format line for this error.
func (e *Error) Reply() string {
	if e.AsEcho {
		return "RE " + e.Text + "\n"
	}
	return "E" + string(e.Kind) + " " + e.Text + "\n"
}
