// Package content classifies embedded non-text content in a conversation and
// partitions it into processing lanes.
//
// Only the newest user-authored turn is ever examined; earlier turns pass
// through untouched. Each detected item lands in exactly one of three lanes:
//
//	PassThrough        — textual content the reasoning backend consumes as-is
//	PerceptionRequired — media needing a description from the perception backend
//	LocalProcessing    — small PDFs extracted in-process
package content

// Category is the fine-grained internal type of a content item.
type Category string

const (
	CategoryCode     Category = "code"
	CategoryTextFile Category = "text_file"
	CategoryDataFile Category = "data_file"
	CategoryDocument Category = "document"
	CategoryPDF      Category = "pdf"
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryUnknown  Category = ""
)

// Kind tells where the item's payload lives.
type Kind string

const (
	// KindInline — base64 payload embedded in the request.
	KindInline Kind = "inline"
	// KindURL — remote payload referenced by URL.
	KindURL Kind = "url"
	// KindPath — opaque local path; size is assumed small.
	KindPath Kind = "path"
)

// Lane is the processing lane assigned by Partition.
type Lane string

const (
	LanePassThrough        Lane = "pass_through"
	LanePerceptionRequired Lane = "perception_required"
	LaneLocalProcessing    Lane = "local_processing"
)

// Item is one piece of detected content from the newest user turn.
type Item struct {
	// Kind tells whether Ref holds base64 data, a URL, or a local path.
	Kind Kind
	// Ref is the base64 payload, URL, or path according to Kind.
	Ref string
	// Category is the classified internal type.
	Category Category
	// Ext is the lowercase file extension including the dot, when known.
	Ext string
	// MediaType is the MIME type, when known.
	MediaType string
	// Text holds the item's own textual content for pass-through items.
	Text string
	// Index is the item's position among all detected items, in order.
	Index int
}

// Detection is the result of scanning a conversation.
type Detection struct {
	Items       []Item
	HasOnlyText bool
	// UserText is the plain text of the newest user turn with inline data
	// URIs removed, preserved for the enriched message.
	UserText string
}

// RoutingDecision partitions detected items into the three disjoint lanes.
// The union of the lanes equals the detected set minus unclassifiable items,
// which are excluded from every lane.
type RoutingDecision struct {
	PassThrough        []Item
	PerceptionRequired []Item
	LocalProcessing    []Item
}

// Empty reports whether no item needs any processing lane.
func (d RoutingDecision) Empty() bool {
	return len(d.PassThrough) == 0 && len(d.PerceptionRequired) == 0 && len(d.LocalProcessing) == 0
}

// Label summarizes the decision for the routing response header:
// direct | gemini | local | mixed.
func (d RoutingDecision) Label() string {
	switch {
	case len(d.PerceptionRequired) > 0 && len(d.LocalProcessing) > 0:
		return "mixed"
	case len(d.PerceptionRequired) > 0:
		return "gemini"
	case len(d.LocalProcessing) > 0:
		return "local"
	default:
		return "direct"
	}
}
