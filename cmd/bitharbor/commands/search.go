package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/model"
	"github.com/hupe1980/bitharbor/search"
)

var (
	searchK        int
	searchType     string
	searchMinScore float32
	searchMedia    string
	searchModality string
)

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Semantic search",
	Long: `Search by text, or by example with --media. A media file that was
already ingested is matched through its stored embedding.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := search.Query{
			Text:      strings.Join(args, " "),
			MediaPath: searchMedia,
			K:         searchK,
			MinScore:  searchMinScore,
		}
		if q.Text == "" && q.MediaPath == "" {
			return fmt.Errorf("search needs query text or --media")
		}
		if searchType != "" {
			t, err := model.ParseMediaType(searchType)
			if err != nil {
				return err
			}
			q.Type = &t
		}
		if searchModality != "" {
			m, err := embedding.ParseModality(searchModality)
			if err != nil {
				return err
			}
			q.Modality = m
		}

		ctx := cmd.Context()
		h, err := openHarbor(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		results, err := h.Search(ctx, q)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(stdout(cmd), resultViews(results))
		}
		if len(results) == 0 {
			printf(cmd, "no results\n")
			return nil
		}
		tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tSCORE\tTYPE\tMEDIA ID\tTITLE")
		for i, r := range results {
			fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\t%s\n", i+1, r.Score, r.MediaType, r.MediaID, r.Record.Title())
		}
		return tw.Flush()
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "k", "k", 10, "number of results")
	searchCmd.Flags().StringVar(&searchType, "type", "", "restrict results to a media type")
	searchCmd.Flags().Float32Var(&searchMinScore, "min-score", 0, "minimum cosine similarity (0 keeps every match)")
	searchCmd.Flags().StringVar(&searchMedia, "media", "", "search by example media file")
	searchCmd.Flags().StringVar(&searchModality, "modality", "", "query modality: text, image, audio, video")
}

type resultView struct {
	Rank      int     `json:"rank"`
	Score     float32 `json:"score"`
	RowID     uint64  `json:"row_id"`
	MediaType string  `json:"media_type"`
	MediaID   string  `json:"media_id"`
	Title     string  `json:"title,omitempty"`
	ObjectKey string  `json:"object_key,omitempty"`
}

func resultViews(results []search.Result) []resultView {
	views := make([]resultView, 0, len(results))
	for i, r := range results {
		v := resultView{
			Rank:      i + 1,
			Score:     r.Score,
			RowID:     uint64(r.RowID),
			MediaType: r.MediaType.String(),
			MediaID:   r.MediaID,
		}
		if r.Record != nil {
			v.Title = r.Record.Title()
			v.ObjectKey = r.Record.ObjectKey
		}
		views = append(views, v)
	}
	return views
}
