// Command fedrec 回放一份交互事件日志：记录交互、按阈值本地训练并同步，最后输出二维投影、近邻与本地模型排序。
//
// 用法：
//
//	fedrec -config fedrec.yaml -events events.json
//
// 事件文件格式：
//
//	{
//	  "vectors":    {"v1": [0.1, ...], ...},   // 可选，static provider 使用
//	  "events":     [{"type": "like", "video_id": "v1"}, ...],
//	  "candidates": ["v1", "v2", ...]          // 可选，默认为全部出现过的视频
//	}
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/rushteam/fedrec/config"
	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/session"
	"github.com/rushteam/fedrec/vector"
)

type event struct {
	Type    string `json:"type"`
	VideoID string `json:"video_id"`
}

type replay struct {
	Vectors    map[string]core.Vector `json:"vectors"`
	Events     []event                `json:"events"`
	Candidates []string               `json:"candidates"`
}

type report struct {
	ClientID     string                 `json:"client_id"`
	Interactions int                    `json:"interactions"`
	Trained      int                    `json:"trained"`
	Synced       int                    `json:"synced"`
	UserVector   []float64              `json:"user_vector_head"`
	Projection   *core.ProjectionResult `json:"projection"`
	VideoIDs     []string               `json:"video_ids"`
	Missing      []string               `json:"missing,omitempty"`
	Neighbors    []neighbor             `json:"neighbors"`
	Ranked       []session.RankedVideo  `json:"ranked"`
}

type neighbor struct {
	VideoID  string  `json:"video_id"`
	Distance float64 `json:"distance"`
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	eventsPath := flag.String("events", "", "path to the event log to replay")
	reset := flag.Bool("reset", false, "clear local personalization data before replay")
	flag.Parse()

	// .env 不存在时忽略
	_ = godotenv.Load()

	if err := run(*configPath, *eventsPath, *reset); err != nil {
		logging.Error().Err(err).Msg("fedrec failed")
		os.Exit(1)
	}
}

func run(configPath, eventsPath string, reset bool) error {
	if eventsPath == "" {
		return fmt.Errorf("-events is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)

	data, err := os.ReadFile(eventsPath)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	var r replay
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("parse events: %w", err)
	}
	if len(r.Vectors) > 0 && (cfg.Vector.Provider == "" || cfg.Vector.Provider == vector.ProviderStatic) {
		cfg.Vector.Static = r.Vectors
		for _, v := range r.Vectors {
			cfg.Vector.Dim = len(v)
			break
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if reset {
		if err := s.Reset(ctx); err != nil {
			return err
		}
	}

	rep := report{ClientID: s.ClientID()}
	// 未显式给出候选集时，按首次出现顺序收集
	collect := len(r.Candidates) == 0
	seen := make(map[string]bool)
	for i, ev := range r.Events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var (
			out session.Outcome
			err error
		)
		switch ev.Type {
		case "like":
			out, err = s.OnLike(ctx, ev.VideoID)
		case "unlike", "dislike":
			out, err = s.OnUnlike(ctx, ev.VideoID)
		case "view":
			out, err = s.OnView(ctx, ev.VideoID)
		default:
			logging.Warn().Int("index", i).Str("type", ev.Type).Msg("unknown event type, skipped")
			continue
		}
		if err != nil {
			logging.Warn().Err(err).Int("index", i).Msg("event rejected")
			continue
		}
		if collect && !seen[ev.VideoID] {
			seen[ev.VideoID] = true
			r.Candidates = append(r.Candidates, ev.VideoID)
		}
		if out.Trained {
			rep.Trained++
			logging.Info().Int("round", out.Round).Float64("loss", out.Loss).Bool("synced", out.Synced).Msg("local training pass")
		}
		if out.Synced {
			rep.Synced++
		}
	}
	rep.Interactions = s.Interactions().Len()

	user := s.UserVector(ctx)
	rep.UserVector = user[:min(len(user), 8)]

	viz, err := s.Visualize(ctx, r.Candidates)
	if err != nil {
		return err
	}
	rep.Projection = viz.Projection
	rep.VideoIDs = viz.VideoIDs
	rep.Missing = viz.Missing
	for _, n := range viz.Neighbors {
		rep.Neighbors = append(rep.Neighbors, neighbor{VideoID: viz.VideoIDs[n.Index], Distance: n.Distance})
	}
	if rep.Ranked, _, err = s.RankCandidates(ctx, r.Candidates); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
