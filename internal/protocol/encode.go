package protocol

import (
	"fmt"
	"strings"

	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/search"
)

var fileExt = map[graph.FileType]string{
	graph.FileUnknown: "unknown",
	graph.FileJPEG:    "jpg",
	graph.FilePNG:     "png",
	graph.FileGIF:     "gif",
	graph.FileBMP:     "bmp",
	graph.FileTIFF:    "tiff",
	graph.FilePDF:     "pdf",
	graph.FileSWF:     "swf",
	graph.FileWebP:    "webp",
	graph.FileMP4:     "mp4",
	graph.FileWebM:    "webm",
	graph.FileAVI:     "avi",
}

// EncodePost renders one "RP" search-result line for a post, projecting
// the fields flags selects.
func EncodePost(store *graph.Store, p *graph.Post, flags search.Projection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RP%x", p.MD5)

	if flags&search.ProjectTagNames != 0 {
		for g := range p.StrongTags {
			if t, ok := store.GetTagByGUID(g); ok {
				fmt.Fprintf(&b, " T%s", t.Name)
			}
		}
		for g := range p.WeakTags {
			if t, ok := store.GetTagByGUID(g); ok {
				fmt.Fprintf(&b, " T~%s", t.Name)
			}
		}
	}
	if flags&search.ProjectTagGUIDs != 0 {
		for g := range p.StrongTags {
			fmt.Fprintf(&b, " G%s", g.String())
		}
		for g := range p.WeakTags {
			fmt.Fprintf(&b, " G~%s", g.String())
		}
	}
	if flags&search.ProjectExtension != 0 {
		fmt.Fprintf(&b, " Fext=%s", fileExt[p.FileType])
	}
	if flags&search.ProjectDate != 0 {
		fmt.Fprintf(&b, " Fdate=%d", p.Created.Unix())
	}
	if flags&search.ProjectWidth != 0 {
		fmt.Fprintf(&b, " Fwidth=%d", p.Width)
	}
	if flags&search.ProjectHeight != 0 {
		fmt.Fprintf(&b, " Fheight=%d", p.Height)
	}
	if flags&search.ProjectScore != 0 {
		fmt.Fprintf(&b, " Fscore=%d", p.Score)
	}
	b.WriteByte('\n')
	return b.String()
}

// EncodeTag renders one "RG" tag-info line.
func EncodeTag(t *graph.Tag) string {
	return fmt.Sprintf("RG%s N%s T%d P%d\n", t.GUID.String(), t.Name, t.Type, t.PostCount())
}

var tagTypeName = map[graph.TagType]string{
	graph.TagUnspecified: "unspecified",
	graph.TagInImage:     "image",
	graph.TagArtist:      "artist",
	graph.TagCharacter:   "character",
	graph.TagCopyright:   "copyright",
	graph.TagMeta:        "meta",
	graph.TagAmbiguous:   "ambiguous",
}

// TagTypeName renders t the way parseTagType parses it back, so dump and
// replay round-trip a tag's type through the same token vocabulary a live
// "AT" command accepts.
func TagTypeName(t graph.TagType) string {
	return tagTypeName[t]
}

// FileExtName renders a file type the way applyField's "ext" case parses
// it back, so internal/dump can serialize a post's file type without
// duplicating this table.
func FileExtName(t graph.FileType) string {
	return fileExt[t]
}

var ratingName = map[graph.Rating]string{
	graph.RatingUnspecified:  "unspecified",
	graph.RatingSafe:         "safe",
	graph.RatingQuestionable: "questionable",
	graph.RatingExplicit:     "explicit",
}

// RatingName renders r the way applyField's "rating" case parses it back.
func RatingName(r graph.Rating) string {
	return ratingName[r]
}

// EncodeSearchResult renders a full search reply: one RP line per post, an
// optional RC<count> total-count line, then OK.
func EncodeSearchResult(store *graph.Store, result *search.Result, flags search.Projection, wantCount bool) string {
	var b strings.Builder
	for _, p := range result.Posts {
		b.WriteString(EncodePost(store, p, flags))
	}
	if wantCount {
		fmt.Fprintf(&b, "RC%d\n", result.Total)
	}
	b.WriteString("OK\n")
	return b.String()
}
