package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/bitharbor/ingest"
	"github.com/hupe1980/bitharbor/model"
)

var (
	ingestType    string
	ingestMeta    []string
	ingestRebuild bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <bundle.json|file>...",
	Short: "Ingest media",
	Long: `Ingest bundle files or plain media files.

A .json argument is read as a bundle: primary_asset_path, side_assets,
raw_metadata, media_type and media_id. Any other argument is ingested as a
primary asset with the media type from --type and metadata from --meta.

The index is rebuilt afterwards so the new items are searchable right away;
pass --rebuild=false to leave that to the background threshold.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundles, err := bundlesFromArgs(args, ingestType, ingestMeta)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		h, err := openHarbor(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		outs, batchErr := h.IngestBatch(ctx, bundles)
		if ingestRebuild {
			if err := h.Rebuild(ctx); err != nil {
				return errors.Join(batchErr, err)
			}
		}

		if outputJSON {
			if err := printJSON(stdout(cmd), outcomeViews(outs)); err != nil {
				return err
			}
			return batchErr
		}
		tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tSTATUS\tTYPE\tMEDIA ID\tROW\tDURATION")
		for _, o := range outs {
			status := o.Status.String()
			if o.Err != nil {
				status = "failed: " + o.Err.Error()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", o.Source, status, o.MediaType, o.MediaID, o.RowID, o.Duration.Round(1e6))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		return batchErr
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestType, "type", "", "media type for plain files: movie, tv, music, personal, video, image, audio")
	ingestCmd.Flags().StringArrayVar(&ingestMeta, "meta", nil, "metadata key=value for plain files (repeatable)")
	ingestCmd.Flags().BoolVar(&ingestRebuild, "rebuild", true, "rebuild the index after ingesting")
}

func bundlesFromArgs(args []string, typ string, meta []string) ([]ingest.Bundle, error) {
	var mediaType model.MediaType
	if typ != "" {
		t, err := model.ParseMediaType(typ)
		if err != nil {
			return nil, err
		}
		mediaType = t
	}
	raw, err := parseMeta(meta)
	if err != nil {
		return nil, err
	}

	bundles := make([]ingest.Bundle, 0, len(args))
	for _, arg := range args {
		if strings.EqualFold(filepath.Ext(arg), ".json") {
			b, err := ingest.LoadBundle(arg)
			if err != nil {
				return nil, err
			}
			if b.MediaType == model.MediaUnknown {
				b.MediaType = mediaType
			}
			bundles = append(bundles, b)
			continue
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, ingest.Bundle{
			PrimaryAssetPath: abs,
			MediaType:        mediaType,
			RawMetadata:      cloneMeta(raw),
		})
	}
	return bundles, nil
}

// parseMeta turns key=value pairs into raw metadata. Numeric values are
// stored as numbers.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	raw := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--meta %q: want key=value", p)
		}
		k = strings.TrimSpace(k)
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			raw[k] = n
		} else if f, err := strconv.ParseFloat(v, 64); err == nil {
			raw[k] = f
		} else {
			raw[k] = v
		}
	}
	return raw, nil
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type outcomeView struct {
	Source      string `json:"source"`
	Status      string `json:"status"`
	MediaType   string `json:"media_type,omitempty"`
	MediaID     string `json:"media_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	RowID       uint64 `json:"row_id"`
	Stage       string `json:"stage,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

func outcomeViews(outs []ingest.Outcome) []outcomeView {
	views := make([]outcomeView, 0, len(outs))
	for _, o := range outs {
		v := outcomeView{
			Source:     o.Source,
			Status:     o.Status.String(),
			MediaID:    o.MediaID,
			RowID:      uint64(o.RowID),
			DurationMS: o.Duration.Milliseconds(),
		}
		if o.MediaType.Valid() {
			v.MediaType = o.MediaType.String()
		}
		if !o.ContentHash.IsZero() {
			v.ContentHash = o.ContentHash.String()
		}
		if o.Err != nil {
			v.Stage = o.Stage.String()
			v.Error = o.Err.Error()
		}
		views = append(views, v)
	}
	return views
}
