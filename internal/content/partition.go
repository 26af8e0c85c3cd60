package content

import (
	"context"
	"encoding/base64"
	"log/slog"
)

// SizeProber resolves the byte size of a remote payload without fetching it.
type SizeProber interface {
	Probe(ctx context.Context, url string) (size int64, contentType string, err error)
}

// PartitionOptions control the PDF local-vs-cloud choice.
type PartitionOptions struct {
	// PDFLocalEnabled gates the LocalProcessing lane entirely.
	PDFLocalEnabled bool
	// PDFMaxBytes is the size threshold for local extraction.
	PDFMaxBytes int64
	// Prober resolves sizes for URL items. May be nil, in which case every
	// URL PDF falls back to the perception lane.
	Prober SizeProber
	// Logger for probe failures. Nil means slog.Default().
	Logger *slog.Logger
}

// Partition assigns every classified item to exactly one lane.
//
//	code / text_file / data_file  → PassThrough
//	image / audio / video / document → PerceptionRequired
//	pdf → LocalProcessing when enabled and resolved size ≤ threshold,
//	      else PerceptionRequired
//
// A failed or unresolvable size probe demotes the PDF to the perception lane
// rather than dropping it. Unclassifiable items land in no lane at all.
func Partition(ctx context.Context, items []Item, opts PartitionOptions) RoutingDecision {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var d RoutingDecision
	for _, it := range items {
		if it.Category == CategoryUnknown {
			Classify(&it)
		}

		switch it.Category {
		case CategoryCode, CategoryTextFile, CategoryDataFile:
			d.PassThrough = append(d.PassThrough, it)

		case CategoryImage, CategoryAudio, CategoryVideo, CategoryDocument:
			d.PerceptionRequired = append(d.PerceptionRequired, it)

		case CategoryPDF:
			if opts.PDFLocalEnabled && pdfFitsLocally(ctx, it, opts, log) {
				d.LocalProcessing = append(d.LocalProcessing, it)
			} else {
				d.PerceptionRequired = append(d.PerceptionRequired, it)
			}

		default:
			// Unclassifiable — excluded from every lane, never forwarded.
			log.WarnContext(ctx, "content_item_dropped",
				slog.String("kind", string(it.Kind)),
				slog.Int("index", it.Index),
			)
		}
	}
	return d
}

// pdfFitsLocally resolves the PDF's byte size and compares it against the
// configured threshold. Inline payloads are measured directly; URLs go
// through a metadata probe; opaque local paths are assumed small.
func pdfFitsLocally(ctx context.Context, it Item, opts PartitionOptions, log *slog.Logger) bool {
	switch it.Kind {
	case KindInline:
		size := int64(base64.StdEncoding.DecodedLen(len(it.Ref)))
		return size <= opts.PDFMaxBytes

	case KindURL:
		if opts.Prober == nil {
			return false
		}
		size, _, err := opts.Prober.Probe(ctx, it.Ref)
		if err != nil || size <= 0 {
			// Conservative: unresolvable size goes to the perception lane.
			log.WarnContext(ctx, "pdf_size_probe_failed",
				slog.String("url", it.Ref),
				slog.Any("error", err),
			)
			return false
		}
		return size <= opts.PDFMaxBytes

	case KindPath:
		return true

	default:
		return false
	}
}
