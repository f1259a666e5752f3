package protocol

import (
	"github.com/tagdex/tagdexd/internal/auth"
	"github.com/tagdex/tagdexd/internal/graph"
)

// Context is the per-dispatch state a command handler needs: the graph,
// the authenticated identity issuing the command, and (for mutating
// commands) a sink the handler tells about the data-line it wants
// persisted — netserve brackets each Dispatch call in a walog transaction,
// and a mutating handler calls LogCommand once its command succeeds.
type Context struct {
	Store *graph.Store
	User  *graph.User

	// LogCommand, if set, is called with the verbatim command line after
	// a mutating command succeeds, so the caller can append it to the
	// current write-ahead-log transaction. Replay leaves this nil.
	LogCommand func(line string)
}

func (c *Context) require(cap_ auth.Capability) *Error {
	if c.User == nil || !c.User.Capabilities.Has(cap_) {
		return NewError(KindBadAuth, "insufficient capability")
	}
	return nil
}
