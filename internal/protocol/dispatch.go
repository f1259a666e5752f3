package protocol

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/tagdex/tagdexd/internal/auth"
	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/guid"
	"github.com/tagdex/tagdexd/internal/search"
)

// Dispatch parses and runs one command line against ctx, returning the
// wire-format reply to write back and whether the connection must close
// afterward.
//
// Dispatch by itself only inspects the first character of the first
// token to pick a handler; each handler then owns its own private
// per-command token grammar; tokens are not required to repeat the
// top-level command letter. Every token after the first is one
// self-describing criterion (a leading letter names what kind of
// criterion it is), so a command that takes a variable number of
// arguments — search criteria, field assignments — just adds more tokens
// rather than packing them into one.
func Dispatch(ctx *Context, line string) (reply string, fatal bool) {
	tokens, tokErr := Tokenize(line)
	if tokErr != nil {
		return tokErr.Reply(), tokErr.Fatal
	}

	head := tokens[0]
	switch head[0] {
	case 'N':
		return "OK\n", false
	case 'Q':
		return "OK\n", true
	case 'a':
		return dispatchAuth(ctx, tokens)
	case 'S':
		return dispatchSearch(ctx, tokens)
	case 'T':
		return dispatchTagPost(ctx, tokens)
	case 'A':
		return dispatchAdd(ctx, tokens)
	case 'M':
		return dispatchModify(ctx, tokens)
	case 'D':
		return dispatchDelete(ctx, tokens)
	case 'R':
		return dispatchRelation(ctx, tokens)
	case 'I', 'i':
		return dispatchImplication(ctx, tokens)
	case 'O':
		return dispatchRename(ctx, tokens)
	default:
		e := NewError(KindUnknownCmd, head)
		return e.Reply(), false
	}
}

func parseMD5(tok string) (graph.MD5, bool) {
	var md5 graph.MD5
	raw, err := hex.DecodeString(tok)
	if err != nil || len(raw) != len(md5) {
		return md5, false
	}
	copy(md5[:], raw)
	return md5, true
}

// parseGUID decodes a GUID token, optionally prefixed with '~' for the
// weak qualifier. It returns the GUID, whether '~' was present, and
// whether decoding succeeded.
func parseGUID(tok string, want guid.Type) (g guid.GUID, weak bool, ok bool) {
	if strings.HasPrefix(tok, "~") {
		weak = true
		tok = tok[1:]
	}
	g, err := guid.Parse(tok, want)
	return g, weak, err == nil
}

func qualifierFor(weak bool) graph.Qualifier {
	if weak {
		return graph.QualifyWeakOnly
	}
	return graph.QualifyEither
}

// --- a: authenticate ---

func dispatchAuth(ctx *Context, tokens []string) (string, bool) {
	name := tokens[0][1:]
	if name == "" {
		u, _ := ctx.Store.GetUser("")
		ctx.User = u
		return "OK\n", false
	}
	if len(tokens) < 2 || tokens[1][0] != 'p' {
		return NewError(KindSyntax, "expected password token").Reply(), false
	}
	password := tokens[1][1:]
	u, ok := ctx.Store.GetUser(name)
	if !ok || !auth.CheckPassword(u.PasswordHash, password) {
		return NewError(KindBadAuth, "unknown user or bad password").Reply(), false
	}
	ctx.User = u
	return "OK\n", false
}

// --- S: search ---

func dispatchSearch(ctx *Context, tokens []string) (string, bool) {
	if err := ctx.require(auth.CapView); err != nil {
		return err.Reply(), false
	}
	head := tokens[0]
	if len(head) < 2 {
		return NewError(KindSyntax, "empty search mode").Reply(), false
	}

	switch head[1] {
	case 'T':
		return dispatchBareTagLookup(ctx, head[2:])
	case 'P':
		return dispatchFullSearch(ctx, tokens[1:])
	default:
		return NewError(KindSyntax, "unknown search mode").Reply(), false
	}
}

func dispatchBareTagLookup(ctx *Context, rest string) (string, bool) {
	if rest == "" {
		return NewError(KindSyntax, "empty tag lookup").Reply(), false
	}
	var t *graph.Tag
	var ok bool
	switch rest[0] {
	case 'G':
		g, _, gok := parseGUID(rest[1:], guid.TypeTag)
		if !gok {
			return NewEcho(rest).Reply(), false
		}
		t, ok = ctx.Store.GetTagByGUID(g)
	case 'n':
		t, ok = ctx.Store.GetTagByName(rest[1:])
	default:
		return NewError(KindSyntax, "unknown tag-lookup selector").Reply(), false
	}
	if !ok {
		return NewEcho(rest).Reply(), false
	}
	return EncodeTag(t) + "OK\n", false
}

func dispatchFullSearch(ctx *Context, tokens []string) (string, bool) {
	req := &search.Request{}
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		switch tok[0] {
		case 'T', 't':
			crit, perr := parseTagCriterion(ctx.Store, tok[1:])
			if perr != nil {
				return perr.Reply(), false
			}
			if tok[0] == 'T' {
				req.Included = append(req.Included, crit)
			} else {
				req.Excluded = append(req.Excluded, crit)
			}
		case 'O':
			ord, perr := parseOrdering(tok[1:])
			if perr != nil {
				return perr.Reply(), false
			}
			req.Orderings = append(req.Orderings, ord)
		case 'F':
			flag, perr := parseProjectionFlag(tok[1:])
			if perr != nil {
				return perr.Reply(), false
			}
			req.Projection |= flag
		case 'P':
			md5, ok := parseMD5(tok[1:])
			if !ok {
				return NewEcho(tok).Reply(), false
			}
			req.Fingerprint = &md5
		case 'L':
			n, err := strconv.Atoi(tok[1:])
			if err != nil || n < 0 {
				return NewEcho(tok).Reply(), false
			}
			req.Limit = n
		case 'K':
			n, err := strconv.Atoi(tok[1:])
			if err != nil || n < 0 {
				return NewEcho(tok).Reply(), false
			}
			req.Offset = n
		case 'C':
			req.WantCount = true
		default:
			return NewError(KindSyntax, "unknown search criterion").Reply(), false
		}
	}

	result, err := search.Execute(ctx.Store, req)
	if err != nil {
		if err == search.ErrTooManyTags || err == search.ErrTooManyOrderings {
			return NewFatal(KindOverflow, err.Error()).Reply(), true
		}
		return NewError(KindSyntax, err.Error()).Reply(), false
	}
	return EncodeSearchResult(ctx.Store, result, req.Projection, req.WantCount), false
}

// parseTagCriterion parses a "G<guid>" / "~G<guid>" / "n<name>" /
// "~n<name>" tag reference into a search.TagCriterion.
func parseTagCriterion(store *graph.Store, rest string) (search.TagCriterion, *Error) {
	weak := strings.HasPrefix(rest, "~")
	if weak {
		rest = rest[1:]
	}
	if rest == "" {
		return search.TagCriterion{}, NewError(KindSyntax, "empty tag criterion")
	}
	var t *graph.Tag
	var ok bool
	switch rest[0] {
	case 'G':
		g, _, gok := parseGUID(rest[1:], guid.TypeTag)
		if !gok {
			return search.TagCriterion{}, NewEcho(rest)
		}
		t, ok = store.GetTagByGUID(g)
	case 'n':
		t, ok = store.GetTagByName(rest[1:])
	default:
		return search.TagCriterion{}, NewError(KindSyntax, "unknown tag-criterion selector")
	}
	if !ok {
		return search.TagCriterion{}, NewEcho(rest)
	}
	return search.TagCriterion{Tag: t, Qualifier: qualifierFor(weak)}, nil
}

func parseOrdering(rest string) (search.Ordering, *Error) {
	reverse := strings.HasPrefix(rest, "-")
	if reverse {
		rest = rest[1:]
	}
	var key search.OrderKey
	switch rest {
	case "date":
		key = search.OrderDate
	case "score":
		key = search.OrderScore
	default:
		return search.Ordering{}, NewError(KindSyntax, "unknown ordering key")
	}
	return search.Ordering{Key: key, Reverse: reverse}, nil
}

func parseProjectionFlag(name string) (search.Projection, *Error) {
	switch name {
	case "tagname":
		return search.ProjectTagNames, nil
	case "tagguid":
		return search.ProjectTagGUIDs, nil
	case "ext":
		return search.ProjectExtension, nil
	case "date":
		return search.ProjectDate, nil
	case "width":
		return search.ProjectWidth, nil
	case "height":
		return search.ProjectHeight, nil
	case "score":
		return search.ProjectScore, nil
	default:
		return 0, NewError(KindSyntax, "unknown projection field")
	}
}

// --- T: tag/untag posts ---

func dispatchTagPost(ctx *Context, tokens []string) (string, bool) {
	if err := ctx.require(auth.CapTag); err != nil {
		return err.Reply(), false
	}
	if len(tokens[0]) < 2 || tokens[0][1] != 'P' {
		return NewError(KindSyntax, "expected post selector").Reply(), false
	}
	md5, ok := parseMD5(tokens[0][2:])
	if !ok {
		return NewEcho(tokens[0]).Reply(), false
	}
	post, ok := ctx.Store.GetPost(md5)
	if !ok {
		return NewEcho(tokens[0]).Reply(), false
	}

	for _, tok := range tokens[1:] {
		if tok == "" {
			continue
		}
		remove := tok[0] == 't'
		if tok[0] != 'T' && tok[0] != 't' {
			return NewError(KindSyntax, "unknown tag-edit token").Reply(), false
		}
		g, weak, gok := parseGUID(tok[1:], guid.TypeTag)
		if !gok {
			return NewEcho(tok).Reply(), false
		}
		tag, ok := ctx.Store.GetTagByGUID(g)
		if !ok {
			return NewEcho(tok).Reply(), false
		}
		if remove {
			if err := ctx.Store.RemoveExplicitEdge(post, tag, true); err != nil {
				return NewEcho(tok).Reply(), false
			}
		} else {
			ctx.Store.AddExplicitEdge(post, tag, weak, true)
		}
	}

	if ctx.LogCommand != nil {
		ctx.LogCommand(strings.Join(tokens, " "))
	}
	return "OK\n", false
}

// --- A: add post/tag/alias/user ---

func dispatchAdd(ctx *Context, tokens []string) (string, bool) {
	head := tokens[0]
	if len(head) < 2 {
		return NewError(KindSyntax, "empty add target").Reply(), false
	}
	switch head[1] {
	case 'P':
		return dispatchAddPost(ctx, head[2:], tokens[1:])
	case 'T':
		return dispatchAddTag(ctx, head[2:], tokens[1:])
	case 'G':
		return dispatchAddTagWithGUID(ctx, head[2:], tokens[1:])
	case 'a':
		return dispatchAddAlias(ctx, head[2:], tokens[1:])
	case 'u':
		return dispatchAddUser(ctx, head[2:], tokens[1:])
	default:
		return NewError(KindSyntax, "unknown add target").Reply(), false
	}
}

func dispatchAddPost(ctx *Context, md5Tok string, rest []string) (string, bool) {
	if err := ctx.require(auth.CapAddPost); err != nil {
		return err.Reply(), false
	}
	md5, ok := parseMD5(md5Tok)
	if !ok {
		return NewEcho(md5Tok).Reply(), false
	}
	post, _ := ctx.Store.AddPost(md5)
	sawModified, ferr := applyPostFields(post, rest)
	if ferr != nil {
		return ferr.Reply(), false
	}
	if !sawModified {
		post.Modified = time.Now()
	}
	if ctx.LogCommand != nil {
		ctx.LogCommand("AP" + md5Tok + " " + strings.Join(rest, " "))
	}
	return "RP" + md5Tok + "\nOK\n", false
}

func dispatchAddTag(ctx *Context, name string, rest []string) (string, bool) {
	if err := ctx.require(auth.CapAddTag); err != nil {
		return err.Reply(), false
	}
	typ := graph.TagUnspecified
	for _, tok := range rest {
		if len(tok) >= 2 && tok[0] == 'Y' {
			t, perr := parseTagType(tok[1:])
			if perr != nil {
				return perr.Reply(), false
			}
			typ = t
		}
	}
	tag, _ := ctx.Store.AddTag(name, typ)
	if ctx.LogCommand != nil {
		ctx.LogCommand("AT" + name + " " + strings.Join(rest, " "))
	}
	return EncodeTag(tag) + "OK\n", false
}

// dispatchAddTagWithGUID registers a tag under a caller-supplied GUID
// instead of minting one from the server's sequence counter — used only
// by walog replay and internal/dump to recreate a tag with the identity
// it was originally assigned, never produced by a live client (which
// cannot know a GUID before the server mints it).
func dispatchAddTagWithGUID(ctx *Context, guidTok string, rest []string) (string, bool) {
	if err := ctx.require(auth.CapAddTag); err != nil {
		return err.Reply(), false
	}
	g, _, ok := parseGUID(guidTok, guid.TypeTag)
	if !ok {
		return NewEcho(guidTok).Reply(), false
	}
	if len(rest) == 0 || len(rest[0]) < 2 || rest[0][0] != 'N' {
		return NewError(KindSyntax, "expected tag name").Reply(), false
	}
	name := rest[0][1:]
	typ := graph.TagUnspecified
	for _, tok := range rest[1:] {
		if len(tok) >= 2 && tok[0] == 'Y' {
			t, perr := parseTagType(tok[1:])
			if perr != nil {
				return perr.Reply(), false
			}
			typ = t
		}
	}
	tag, err := ctx.Store.AddTagWithGUID(g, name, typ)
	if err != nil {
		return NewEcho(guidTok).Reply(), false
	}
	if ctx.LogCommand != nil {
		ctx.LogCommand("AG" + guidTok + " " + strings.Join(rest, " "))
	}
	return EncodeTag(tag) + "OK\n", false
}

func parseTagType(s string) (graph.TagType, *Error) {
	switch s {
	case "unspecified":
		return graph.TagUnspecified, nil
	case "image":
		return graph.TagInImage, nil
	case "artist":
		return graph.TagArtist, nil
	case "character":
		return graph.TagCharacter, nil
	case "copyright":
		return graph.TagCopyright, nil
	case "meta":
		return graph.TagMeta, nil
	case "ambiguous":
		return graph.TagAmbiguous, nil
	default:
		return graph.TagUnspecified, NewError(KindSyntax, "unknown tag type")
	}
}

func dispatchAddAlias(ctx *Context, name string, rest []string) (string, bool) {
	if err := ctx.require(auth.CapAddTag); err != nil {
		return err.Reply(), false
	}
	if len(rest) == 0 || len(rest[0]) < 2 || rest[0][0] != 'G' {
		return NewError(KindSyntax, "expected alias target guid").Reply(), false
	}
	g, _, ok := parseGUID(rest[0][1:], guid.TypeTag)
	if !ok {
		return NewEcho(rest[0]).Reply(), false
	}
	if err := ctx.Store.AddAlias(name, g); err != nil {
		return NewEcho(name).Reply(), false
	}
	if ctx.LogCommand != nil {
		ctx.LogCommand("Aa" + name + " " + strings.Join(rest, " "))
	}
	return "OK\n", false
}

func dispatchAddUser(ctx *Context, name string, rest []string) (string, bool) {
	if err := ctx.require(auth.CapAddUser); err != nil {
		return err.Reply(), false
	}
	if len(rest) == 0 || len(rest[0]) < 2 {
		return NewError(KindSyntax, "expected password token").Reply(), false
	}

	// 'p' carries a plaintext password sent over the wire and must still
	// be hashed; 'h' carries an already-bcrypt-hashed password as logged
	// by a prior run (walog replay and internal/dump both use 'h' so a
	// password is never re-hashed on top of its own hash).
	var hash []byte
	switch rest[0][0] {
	case 'p':
		h, err := auth.HashPassword(rest[0][1:])
		if err != nil {
			return NewError(KindSyntax, "could not hash password").Reply(), false
		}
		hash = h
	case 'h':
		hash = []byte(rest[0][1:])
	default:
		return NewError(KindSyntax, "expected password token").Reply(), false
	}

	var caps auth.Capability = auth.AnonymousCapabilities
	for _, tok := range rest[1:] {
		if len(tok) >= 2 && tok[0] == 'C' {
			n, perr := strconv.ParseUint(tok[1:], 10, 32)
			if perr != nil {
				return NewEcho(tok).Reply(), false
			}
			caps = auth.Capability(n)
		}
	}
	if _, err := ctx.Store.AddUser(name, hash, caps); err != nil {
		return NewEcho(name).Reply(), false
	}
	// The password line is never persisted in plaintext to the log; the
	// logged command carries the bcrypt hash (as an 'h' token) instead of
	// the 'p' token that was sent over the wire.
	if ctx.LogCommand != nil {
		ctx.LogCommand("Au" + name + " h" + string(hash) + " C" + strconv.FormatUint(uint64(caps), 10))
	}
	return "OK\n", false
}

// applyPostFields applies a run of "F<field>=<value>" tokens to post,
// returning whether any token explicitly set "modified" — a live client
// edit always bumps Modified to now, but a dump/replay "modified=" token
// restores the post's original timestamp instead.
func applyPostFields(post *graph.Post, tokens []string) (sawModified bool, fieldErr *Error) {
	for _, tok := range tokens {
		if len(tok) < 2 || tok[0] != 'F' {
			return sawModified, NewError(KindSyntax, "expected field-assignment token")
		}
		field, err := applyField(post, tok[1:])
		if err != nil {
			return sawModified, err
		}
		if field == "modified" {
			sawModified = true
		}
	}
	return sawModified, nil
}

var fileExtByName = map[string]graph.FileType{
	"unknown": graph.FileUnknown,
	"jpg":     graph.FileJPEG,
	"png":     graph.FilePNG,
	"gif":     graph.FileGIF,
	"bmp":     graph.FileBMP,
	"tiff":    graph.FileTIFF,
	"pdf":     graph.FilePDF,
	"swf":     graph.FileSWF,
	"webp":    graph.FileWebP,
	"mp4":     graph.FileMP4,
	"webm":    graph.FileWebM,
	"avi":     graph.FileAVI,
}

// applyField applies one "field=value" assignment, returning the field
// name so callers can react to specific fields (see sawModified above).
func applyField(post *graph.Post, assignment string) (field string, fieldErr *Error) {
	field, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return field, NewError(KindSyntax, "malformed field assignment")
	}
	var err error
	switch field {
	case "source":
		post.Source = value
	case "title":
		post.Title = value
	case "score":
		var n int64
		n, err = strconv.ParseInt(value, 10, 16)
		post.Score = int16(n)
	case "width":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 16)
		post.Width = uint16(n)
	case "height":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 16)
		post.Height = uint16(n)
	case "rating":
		switch value {
		case "unspecified":
			post.Rating = graph.RatingUnspecified
		case "safe":
			post.Rating = graph.RatingSafe
		case "questionable":
			post.Rating = graph.RatingQuestionable
		case "explicit":
			post.Rating = graph.RatingExplicit
		default:
			return field, NewError(KindSyntax, "unknown rating")
		}
	case "ext":
		ft, ok := fileExtByName[value]
		if !ok {
			return field, NewError(KindSyntax, "unknown file extension")
		}
		post.FileType = ft
	case "created":
		var n int64
		n, err = strconv.ParseInt(value, 10, 64)
		post.Created = time.Unix(n, 0).UTC()
	case "modified":
		var n int64
		n, err = strconv.ParseInt(value, 10, 64)
		post.Modified = time.Unix(n, 0).UTC()
	default:
		return field, NewError(KindSyntax, "unknown post field")
	}
	if err != nil {
		return field, NewError(KindSyntax, "malformed field value")
	}
	return field, nil
}

// --- M: modify ---

func dispatchModify(ctx *Context, tokens []string) (string, bool) {
	head := tokens[0]
	if len(head) < 2 {
		return NewError(KindSyntax, "empty modify target").Reply(), false
	}
	switch head[1] {
	case 'P':
		if err := ctx.require(auth.CapAddPost); err != nil {
			return err.Reply(), false
		}
		md5, ok := parseMD5(head[2:])
		if !ok {
			return NewEcho(head).Reply(), false
		}
		post, ok := ctx.Store.GetPost(md5)
		if !ok {
			return NewEcho(head).Reply(), false
		}
		sawModified, ferr := applyPostFields(post, tokens[1:])
		if ferr != nil {
			return ferr.Reply(), false
		}
		if !sawModified {
			post.Modified = time.Now()
		}
		if ctx.LogCommand != nil {
			ctx.LogCommand(strings.Join(tokens, " "))
		}
		return "OK\n", false
	default:
		return NewError(KindSyntax, "unknown modify target").Reply(), false
	}
}

// --- D: delete ---

func dispatchDelete(ctx *Context, tokens []string) (string, bool) {
	head := tokens[0]
	if len(head) < 2 {
		return NewError(KindSyntax, "empty delete target").Reply(), false
	}
	rest := head[2:]
	switch head[1] {
	case 'P':
		if err := ctx.require(auth.CapDeletePost); err != nil {
			return err.Reply(), false
		}
		md5, ok := parseMD5(rest)
		if !ok {
			return NewEcho(head).Reply(), false
		}
		if err := ctx.Store.DeletePost(md5); err != nil {
			return NewEcho(head).Reply(), false
		}
	case 'T':
		if err := ctx.require(auth.CapDeleteTag); err != nil {
			return err.Reply(), false
		}
		g, _, ok := parseGUID(rest, guid.TypeTag)
		if !ok {
			return NewEcho(head).Reply(), false
		}
		if err := ctx.Store.DeleteTag(g); err != nil {
			return NewEcho(head).Reply(), false
		}
	case 'a':
		if err := ctx.require(auth.CapDeleteTag); err != nil {
			return err.Reply(), false
		}
		if err := ctx.Store.RemoveAlias(rest); err != nil {
			return NewEcho(head).Reply(), false
		}
	case 'u':
		if err := ctx.require(auth.CapAdmin); err != nil {
			return err.Reply(), false
		}
		if err := ctx.Store.DeleteUser(rest); err != nil {
			return NewEcho(head).Reply(), false
		}
	default:
		return NewError(KindSyntax, "unknown delete target").Reply(), false
	}
	if ctx.LogCommand != nil {
		ctx.LogCommand(strings.Join(tokens, " "))
	}
	return "OK\n", false
}

// --- R: relations ---

func dispatchRelation(ctx *Context, tokens []string) (string, bool) {
	if err := ctx.require(auth.CapTag); err != nil {
		return err.Reply(), false
	}
	head := tokens[0]
	if len(head) < 2 || len(tokens) < 2 {
		return NewError(KindSyntax, "expected two post selectors").Reply(), false
	}
	md5A, ok := parseMD5(head[2:])
	if !ok {
		return NewEcho(head).Reply(), false
	}
	md5B, ok := parseMD5(tokens[1])
	if !ok {
		return NewEcho(tokens[1]).Reply(), false
	}
	postA, ok := ctx.Store.GetPost(md5A)
	if !ok {
		return NewEcho(head).Reply(), false
	}
	postB, ok := ctx.Store.GetPost(md5B)
	if !ok {
		return NewEcho(tokens[1]).Reply(), false
	}

	var err error
	switch head[1] {
	case 'R':
		err = ctx.Store.AddRelation(postA, postB)
	case 'r':
		err = ctx.Store.RemoveRelation(postA, postB)
	default:
		return NewError(KindSyntax, "unknown relation op").Reply(), false
	}
	if err != nil {
		return NewEcho(head).Reply(), false
	}
	if ctx.LogCommand != nil {
		ctx.LogCommand(strings.Join(tokens, " "))
	}
	return "OK\n", false
}

// --- I: implication rules ---

func dispatchImplication(ctx *Context, tokens []string) (string, bool) {
	if err := ctx.require(auth.CapAddTag); err != nil {
		return err.Reply(), false
	}
	head := tokens[0]
	if len(head) < 2 {
		return NewError(KindSyntax, "expected from-tag selector").Reply(), false
	}
	remove := head[0] == 'i'
	if head[1] != 'G' {
		return NewError(KindSyntax, "expected from-tag guid").Reply(), false
	}
	fromGUID, _, ok := parseGUID(head[2:], guid.TypeTag)
	if !ok {
		return NewEcho(head).Reply(), false
	}
	from, ok := ctx.Store.GetTagByGUID(fromGUID)
	if !ok {
		return NewEcho(head).Reply(), false
	}
	if len(tokens) < 2 {
		return NewError(KindSyntax, "expected to-tag selector").Reply(), false
	}
	toTok := tokens[1]
	positive := true
	if strings.HasPrefix(toTok, "g") {
		positive = false
		toTok = "G" + toTok[1:]
	}
	if len(toTok) < 2 || toTok[0] != 'G' {
		return NewError(KindSyntax, "expected to-tag guid").Reply(), false
	}
	toGUID, _, ok := parseGUID(toTok[1:], guid.TypeTag)
	if !ok {
		return NewEcho(toTok).Reply(), false
	}

	if remove {
		if err := ctx.Store.RemoveImplication(from, toGUID, true); err != nil {
			return NewEcho(head).Reply(), false
		}
		if ctx.LogCommand != nil {
			ctx.LogCommand(strings.Join(tokens, " "))
		}
		return "OK\n", false
	}

	to, ok := ctx.Store.GetTagByGUID(toGUID)
	if !ok {
		return NewEcho(toTok).Reply(), false
	}
	var priority int64
	for _, tok := range tokens[2:] {
		if len(tok) >= 2 && tok[0] == 'P' {
			priority, _ = strconv.ParseInt(tok[1:], 10, 32)
		}
	}
	if err := ctx.Store.AddImplication(from, to, positive, int32(priority), true); err != nil {
		return NewEcho(head).Reply(), false
	}
	if ctx.LogCommand != nil {
		ctx.LogCommand(strings.Join(tokens, " "))
	}
	return "OK\n", false
}

// --- O: rename tag ---

func dispatchRename(ctx *Context, tokens []string) (string, bool) {
	if err := ctx.require(auth.CapAddTag); err != nil {
		return err.Reply(), false
	}
	head := tokens[0]
	if len(head) < 2 || head[1] != 'G' {
		return NewError(KindSyntax, "expected tag guid").Reply(), false
	}
	g, _, ok := parseGUID(head[2:], guid.TypeTag)
	if !ok {
		return NewEcho(head).Reply(), false
	}
	if len(tokens) < 2 || len(tokens[1]) < 2 || tokens[1][0] != 'N' {
		return NewError(KindSyntax, "expected new name token").Reply(), false
	}
	if err := ctx.Store.RenameTag(g, tokens[1][1:]); err != nil {
		return NewEcho(tokens[1]).Reply(), false
	}
	if ctx.LogCommand != nil {
		ctx.LogCommand(strings.Join(tokens, " "))
	}
	return "OK\n", false
}
