package export

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/convoharvest/convoharvest/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Stats summarizes a session's collected records.
type Stats struct {
	TotalConversations int
	TotalMessages      int
	AverageMessages    float64
	BotDistribution    map[string]int
}

// statsPayload is the best-effort peek into the opaque payload used for
// summary numbers only. Missing fields simply count as zero/unknown.
type statsPayload struct {
	BotName  string            `json:"bot_name"`
	Messages []json.RawMessage `json:"messages"`
}

// CollectStats computes summary statistics for a session.
func CollectStats(ctx context.Context, reader store.RecordReader, sessionID string) (*Stats, error) {
	records, err := reader.RecordsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalConversations: len(records),
		BotDistribution:    map[string]int{},
	}
	for _, rec := range records {
		var p statsPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			continue
		}
		stats.TotalMessages += len(p.Messages)
		bot := p.BotName
		if bot == "" {
			bot = "unknown"
		}
		stats.BotDistribution[bot]++
	}
	if stats.TotalConversations > 0 {
		stats.AverageMessages = float64(stats.TotalMessages) / float64(stats.TotalConversations)
	}
	return stats, nil
}

// Render writes the stats as a table.
func (s *Stats) Render(out io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"Conversations", s.TotalConversations})
	t.AppendRow(table.Row{"Messages", s.TotalMessages})
	t.AppendRow(table.Row{"Avg messages/conversation", s.AverageMessages})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if len(s.BotDistribution) == 0 {
		return
	}

	bots := make([]string, 0, len(s.BotDistribution))
	for bot := range s.BotDistribution {
		bots = append(bots, bot)
	}
	sort.Strings(bots)

	bt := table.NewWriter()
	bt.SetOutputMirror(out)
	bt.AppendHeader(table.Row{"Bot", "Conversations"})
	for _, bot := range bots {
		bt.AppendRow(table.Row{bot, s.BotDistribution[bot]})
	}
	bt.SetStyle(table.StyleRounded)
	bt.Render()
}
