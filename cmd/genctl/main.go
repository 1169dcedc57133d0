// Command genctl submits one job to the genstudio API and follows it to a
// terminal status, printing progress as it goes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"genstudio/internal/config"
	"genstudio/internal/lifecycle"
	"genstudio/internal/logging"
	"genstudio/internal/models"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	var (
		apiURL     = flag.String("api", envOr("GENSTUDIO_API_URL", "http://localhost:"+cfg.HTTPPort), "genstudio API base URL")
		engineURL  = flag.String("engine", cfg.EngineURL, "engine base URL forwarded to the API")
		textgenURL = flag.String("textgen", cfg.TextGenURL, "text-generation backend base URL")
		model      = flag.String("model", cfg.TextGenModel, "text-generation model")
		workflowID = flag.String("workflow", "", "workflow template id (required)")
		mode       = flag.String("mode", string(models.ModeTextToImage), "generation mode")
		prompt     = flag.String("prompt", "", "prompt (required)")
		negative   = flag.String("negative", "", "negative prompt")
		input      = flag.String("input", "", "uploaded input image filename")
		enhance    = flag.Bool("enhance", false, "enhance the prompt before submitting")
		width      = flag.Int("width", 1024, "width")
		height     = flag.Int("height", 1024, "height")
		steps      = flag.Int("steps", 20, "sampling steps")
		cfgScale   = flag.Float64("cfg", 7, "cfg scale")
		seed       = flag.Int64("seed", models.RandomSeed, "seed, -1 for random")
		maxWait    = flag.Duration("max-wait", lifecycle.DefaultPollPolicy.MaxWait, "give up after this long")
	)
	extra := map[string]any{}
	flag.Func("param", "extra parameter as key=value, repeatable", func(s string) error {
		key, raw, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return errors.New("expected key=value")
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		extra[key] = v
		return nil
	})
	flag.Parse()

	if *workflowID == "" || strings.TrimSpace(*prompt) == "" {
		flag.Usage()
		os.Exit(2)
	}
	jobMode := models.Mode(*mode)
	if !jobMode.Valid() {
		logger.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan lifecycle.Snapshot, 1)
	progress := newProgressLog(logger)
	ctrl := lifecycle.New(lifecycle.Options{
		Mode: jobMode,
		Backend: lifecycle.NewHTTPBackend(lifecycle.HTTPBackendOptions{
			APIURL:       *apiURL,
			EngineURL:    *engineURL,
			TextGenURL:   *textgenURL,
			TextGenModel: *model,
		}),
		PollPolicy: lifecycle.PollPolicy{
			MaxConsecutiveFailures: lifecycle.DefaultPollPolicy.MaxConsecutiveFailures,
			MaxWait:                *maxWait,
		},
		Logger: logger,
		OnChange: func(s lifecycle.Snapshot) {
			progress.log(s)
			if s.Status.IsTerminal() {
				select {
				case finished <- s:
				default:
				}
			}
		},
	})

	if *enhance {
		text, err := ctrl.EnhancePrompt(ctx, *prompt)
		if err != nil {
			logger.Warn().Err(err).Msg("prompt enhancement failed, using the original prompt")
		} else {
			logger.Info().Str("enhanced", text).Msg("prompt enhanced")
		}
	}

	err := ctrl.Generate(ctx, lifecycle.GenerateRequest{
		WorkflowID:         *workflowID,
		Prompt:             *prompt,
		NegativePrompt:     *negative,
		InputImageFilename: *input,
		Params: models.JobParams{
			Width:    *width,
			Height:   *height,
			Steps:    *steps,
			CFGScale: *cfgScale,
			Seed:     *seed,
			Extra:    extra,
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("submission failed")
		os.Exit(1)
	}

	select {
	case s := <-finished:
		os.Exit(report(s, *apiURL, *engineURL))
	case <-ctx.Done():
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ctrl.Cancel(cancelCtx)
		cancel()
		logger.Warn().Msg("job cancelled")
		os.Exit(130)
	}
}

// progressLog writes a line when status, node or progress changes, and warns
// once per stall.
type progressLog struct {
	logger zerolog.Logger

	mu      sync.Mutex
	last    lifecycle.Snapshot
	stalled bool
}

func newProgressLog(logger zerolog.Logger) *progressLog {
	return &progressLog{logger: logger}
}

func (p *progressLog) log(s lifecycle.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Stalled && !p.stalled {
		p.logger.Warn().Dur("elapsed", s.Elapsed).Str("prompt_id", s.PromptID).Msg("no activity from the engine for a while")
	}
	p.stalled = s.Stalled

	if s.Status == p.last.Status && s.Progress == p.last.Progress && s.CurrentNode == p.last.CurrentNode {
		return
	}
	p.last = s
	ev := p.logger.Info().Str("status", string(s.Status))
	if s.PromptID != "" {
		ev = ev.Str("prompt_id", s.PromptID)
	}
	if s.CurrentNode != "" {
		ev = ev.Str("node", s.CurrentNode)
	}
	if s.ProgressMax > 0 {
		ev = ev.Int("progress", s.Progress)
	}
	if s.QueueRemaining > 0 {
		ev = ev.Int("queue", s.QueueRemaining)
	}
	ev.Msg("job update")
}

func report(s lifecycle.Snapshot, apiURL, engineURL string) int {
	switch s.Status {
	case models.StatusCompleted:
		for _, f := range s.Outputs {
			q := url.Values{
				"filename":      {f.Filename},
				"type":          {string(f.Type)},
				"engineBaseUrl": {engineURL},
				"jobRecordId":   {s.JobRecordID},
			}
			if f.Subfolder != "" {
				q.Set("subfolder", f.Subfolder)
			}
			fmt.Printf("%s\t%s/api/engine/view?%s\n", f.MediaType, strings.TrimRight(apiURL, "/"), q.Encode())
		}
		return 0
	case models.StatusAbandoned:
		fmt.Fprintln(os.Stderr, s.Error)
		return 3
	default:
		fmt.Fprintln(os.Stderr, s.Error)
		return 1
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
