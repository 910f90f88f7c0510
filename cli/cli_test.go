package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/infra/redis"
	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/engine/registry"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/engine/snapshot"
	"github.com/compozy/deepresearch/engine/worker"
	"github.com/compozy/deepresearch/pkg/config"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var facts = []string{
	"Superconducting transmon qubits reach coherence times near one millisecond.",
	"Trapped ion systems report two-qubit gate fidelities above ninety-nine percent.",
	"Surface codes need thousands of physical qubits for each logical qubit.",
	"Neutral atom arrays trap hundreds of rubidium atoms with optical tweezers.",
}

func usage() budget.Usage {
	return budget.Usage{Tokens: 40, Calls: 1, Elapsed: time.Millisecond}
}

// fakeWorkers registers a planner, a searcher returning a new fact per call
// and a writer citing every finding.
func fakeWorkers(writes *atomic.Int64) workerFactory {
	return func(_ context.Context, _ *config.Config, reg *registry.Registry) error {
		var searches atomic.Int64
		plan := worker.Func(func(context.Context, worker.Capability, worker.Input, worker.Allowance) (worker.Output, budget.Usage, error) {
			return &worker.PlanOutput{Tasks: []worker.SearchTask{
				{Query: "qubit hardware platforms", Priority: 1},
				{Query: "quantum error correction", Priority: 2},
			}}, usage(), nil
		})
		search := worker.Func(func(context.Context, worker.Capability, worker.Input, worker.Allowance) (worker.Output, budget.Usage, error) {
			n := searches.Add(1) - 1
			return &worker.SearchOutput{Results: []worker.SearchResult{{
				Content:    facts[int(n)%len(facts)],
				Source:     research.SourceRef{URL: fmt.Sprintf("https://physics.example.edu/%d", n), Title: "lab notes"},
				Confidence: 0.8,
			}}}, usage(), nil
		})
		write := worker.Func(func(_ context.Context, _ worker.Capability, in worker.Input, _ worker.Allowance) (worker.Output, budget.Usage, error) {
			writes.Add(1)
			h := in.Handoff()
			report := research.Report{Title: h.Query, Body: "Summary of the gathered findings."}
			for _, f := range h.Findings {
				report.Claims = append(report.Claims, research.Claim{Text: f.Content, FindingIDs: []string{f.ID}})
			}
			return &worker.WriteOutput{Report: report}, usage(), nil
		})
		if err := reg.Register("planner", []worker.Capability{worker.CapabilityPlanning}, plan); err != nil {
			return err
		}
		if err := reg.Register("searcher", []worker.Capability{worker.CapabilitySearching}, search); err != nil {
			return err
		}
		return reg.Register("writer", []worker.Capability{worker.CapabilityWriting}, write)
	}
}

func noWorkers(context.Context, *config.Config, *registry.Registry) error {
	return nil
}

// writeConfig writes a config file storing audit records in sqlite and
// snapshots as files under a temporary directory.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
features:
  clarification: true
  trails: false
  cache: false
orchestrator:
  clarify_timeout: 1s
  search_timeout: 5s
  worker_timeout: 5s
audit:
  backend: sqlite
sqlite:
  path: %s
snapshot:
  backend: file
  dir: %s
monitoring:
  enabled: false
logging:
  level: disabled
%s`, filepath.Join(dir, "research.db"), filepath.Join(dir, "snapshots"), extra)
	path := filepath.Join(dir, "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type execution struct {
	out    string
	errOut string
	err    error
}

func execute(t *testing.T, register workerFactory, stdin string, args ...string) execution {
	t.Helper()
	root := newRootCmd(register)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(t.Context())
	return execution{out: out.String(), errOut: errOut.String(), err: err}
}

func TestRunCommand(t *testing.T) {
	t.Run("Should conduct a session, answer from stdin and persist it", func(t *testing.T) {
		path := writeConfig(t, "")
		var writes atomic.Int64
		run := execute(t, fakeWorkers(&writes), "hardware approaches\nnear term\n\n",
			"--config", path, "-f", "json", "run", "What", "is", "quantum", "computing?")
		require.NoError(t, run.err, run.errOut)
		var res orchestrator.ResearchResult
		require.NoError(t, json.Unmarshal([]byte(run.out), &res))
		assert.Equal(t, "What is quantum computing?", res.Query)
		assert.Equal(t, orchestrator.StateCompleted, res.State)
		assert.Equal(t, orchestrator.StatusCompleted, res.Status)
		assert.NotEmpty(t, res.SessionID)
		assert.Positive(t, res.Findings)
		assert.Len(t, res.Report.Claims, res.Findings)
		assert.Equal(t, int64(1), writes.Load())
		assert.Contains(t, run.errOut, "%]")

		list := execute(t, noWorkers, "", "--config", path, "-f", "json", "snapshot", "list")
		require.NoError(t, list.err)
		var metas []snapshot.Meta
		require.NoError(t, json.Unmarshal([]byte(list.out), &metas))
		require.Len(t, metas, 1)
		assert.Equal(t, res.SessionID, metas[0].SessionID)
		assert.Equal(t, string(orchestrator.StateCompleted), metas[0].State)

		show := execute(t, noWorkers, "", "--config", path, "-f", "json", "snapshot", "show", res.SessionID)
		require.NoError(t, show.err)
		var snap snapshot.Snapshot
		require.NoError(t, json.Unmarshal([]byte(show.out), &snap))
		assert.NoError(t, snap.Verify())
		assert.NotEmpty(t, snap.Context.Answered())

		records := execute(t, noWorkers, "", "--config", path, "-f", "json", "audit", res.SessionID)
		require.NoError(t, records.err)
		var recs []audit.Record
		require.NoError(t, json.Unmarshal([]byte(records.out), &recs))
		require.NotEmpty(t, recs)
		for i := 1; i < len(recs); i++ {
			assert.Greater(t, recs[i].Seq, recs[i-1].Seq)
		}

		del := execute(t, noWorkers, "", "--config", path, "snapshot", "delete", res.SessionID)
		require.NoError(t, del.err)
		assert.Contains(t, del.out, "deleted "+res.SessionID)
		gone := execute(t, noWorkers, "", "--config", path, "snapshot", "show", res.SessionID)
		assert.ErrorIs(t, gone.err, snapshot.ErrNotFound)
	})
	t.Run("Should print a text report without prompting when not interactive", func(t *testing.T) {
		path := writeConfig(t, "")
		var writes atomic.Int64
		run := execute(t, fakeWorkers(&writes), "",
			"--config", path, "run", "--interactive=false", "--progress=false", "--calls", "20",
			"What is quantum computing?")
		require.NoError(t, run.err, run.errOut)
		assert.Contains(t, run.out, "What is quantum computing?")
		assert.Contains(t, run.out, "completed")
		assert.NotContains(t, run.errOut, "? ")
	})
	t.Run("Should fail early when a required capability has no worker", func(t *testing.T) {
		path := writeConfig(t, "")
		run := execute(t, noWorkers, "", "--config", path, "run", "--progress=false", "anything")
		require.Error(t, run.err)
		assert.Equal(t, core.ErrCodeWorkerUnavailable, core.CodeOf(run.err))
		assert.Contains(t, run.err.Error(), "searching")
	})
	t.Run("Should reject an invalid time budget", func(t *testing.T) {
		path := writeConfig(t, "")
		var writes atomic.Int64
		run := execute(t, fakeWorkers(&writes), "", "--config", path, "run", "--time", "soon", "q")
		assert.ErrorContains(t, run.err, "invalid time budget")
		assert.Zero(t, writes.Load())
	})
}

func TestResumeCommand(t *testing.T) {
	t.Run("Should report unknown sessions", func(t *testing.T) {
		path := writeConfig(t, "")
		var writes atomic.Int64
		run := execute(t, fakeWorkers(&writes), "", "--config", path, "resume", "--progress=false", "missing")
		assert.ErrorIs(t, run.err, snapshot.ErrNotFound)
	})
}

func TestSnapshotCommand(t *testing.T) {
	t.Run("Should list nothing for a fresh directory", func(t *testing.T) {
		path := writeConfig(t, "")
		list := execute(t, noWorkers, "", "--config", path, "snapshot", "list")
		require.NoError(t, list.err)
		assert.NotContains(t, list.out, "COMPLETED")
	})
	t.Run("Should refuse when snapshots are disabled", func(t *testing.T) {
		path := writeConfig(t, "")
		t.Setenv("RESEARCH_SNAPSHOT_BACKEND", "none")
		off := execute(t, noWorkers, "", "--config", path, "snapshot", "list")
		assert.ErrorContains(t, off.err, "snapshots are disabled")
	})
	t.Run("Should report deleting an unknown session", func(t *testing.T) {
		path := writeConfig(t, "")
		del := execute(t, noWorkers, "", "--config", path, "snapshot", "delete", "missing")
		assert.ErrorIs(t, del.err, snapshot.ErrNotFound)
	})
}

func TestConfigCommand(t *testing.T) {
	t.Run("Should show the redacted configuration", func(t *testing.T) {
		path := writeConfig(t, "llm:\n  api_key: sk-live-secret\n")
		show := execute(t, noWorkers, "", "--config", path, "-f", "json", "config", "show")
		require.NoError(t, show.err)
		assert.NotContains(t, show.out, "sk-live-secret")
		var values map[string]any
		require.NoError(t, json.Unmarshal([]byte(show.out), &values))
		assert.Equal(t, "default", values["mode"])
	})
	t.Run("Should list flattened paths with their variables", func(t *testing.T) {
		path := writeConfig(t, "")
		show := execute(t, noWorkers, "", "--config", path, "--mode", "development", "config", "show")
		require.NoError(t, show.err)
		assert.Regexp(t, `mode\s+= development\s+RESEARCH_MODE`, show.out)
		assert.Regexp(t, `audit\.backend\s+= sqlite`, show.out)
	})
	t.Run("Should validate a broken file", func(t *testing.T) {
		path := writeConfig(t, "budget:\n  tokens: 0\n")
		run := execute(t, noWorkers, "", "--config", path, "config", "validate")
		assert.Error(t, run.err)
	})
	t.Run("Should reject an unknown output format", func(t *testing.T) {
		path := writeConfig(t, "")
		run := execute(t, noWorkers, "", "--config", path, "-f", "xml", "config", "show")
		assert.ErrorContains(t, run.err, "unsupported format")
	})
}

func TestSetupGlobalConfig(t *testing.T) {
	t.Run("Should load the file, apply the mode flag and store the config", func(t *testing.T) {
		path := writeConfig(t, "budget:\n  calls: 33\n")
		var got *config.Config
		root := newRootCmd(noWorkers)
		root.AddCommand(&cobra.Command{
			Use: "probe",
			RunE: func(cmd *cobra.Command, _ []string) error {
				got = config.FromContext(cmd.Context())
				return nil
			},
		})
		root.SetArgs([]string{"--env-file", "", "--config", path, "--mode", "production", "probe"})
		require.NoError(t, root.ExecuteContext(t.Context()))
		require.NotNil(t, got)
		assert.Equal(t, config.ModeProduction, got.Mode)
		assert.Equal(t, int64(33), got.Budget.Calls)
		assert.Equal(t, int64(200000), got.Budget.Tokens)
		assert.Equal(t, config.BackendSQLite, got.Audit.Backend)
	})
	t.Run("Should load variables from the env file", func(t *testing.T) {
		path := writeConfig(t, "")
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("RESEARCH_BUDGET_TOKENS=4242\n"), 0o600))
		t.Setenv("RESEARCH_BUDGET_TOKENS", "")
		os.Unsetenv("RESEARCH_BUDGET_TOKENS")
		var got *config.Config
		root := newRootCmd(noWorkers)
		root.AddCommand(&cobra.Command{
			Use: "probe",
			RunE: func(cmd *cobra.Command, _ []string) error {
				got = config.FromContext(cmd.Context())
				return nil
			},
		})
		root.SetArgs([]string{"--env-file", envFile, "--config", path, "probe"})
		require.NoError(t, root.ExecuteContext(t.Context()))
		require.NotNil(t, got)
		assert.Equal(t, int64(4242), got.Budget.Tokens)
	})
}

func TestBudgetLimits(t *testing.T) {
	parse := func(t *testing.T, args ...string) (budget.Limits, error) {
		t.Helper()
		cmd := newRunCmd(noWorkers)
		require.NoError(t, cmd.ParseFlags(args))
		return budgetLimits(cmd, config.Default())
	}
	t.Run("Should keep the configured budget without flags", func(t *testing.T) {
		limits, err := parse(t)
		require.NoError(t, err)
		assert.Equal(t, config.Default().Budget.Limits(), limits)
	})
	t.Run("Should apply the flags that were set", func(t *testing.T) {
		limits, err := parse(t, "--tokens", "900", "--time", "1h30m", "--depth", "0")
		require.NoError(t, err)
		assert.Equal(t, int64(900), limits.Tokens)
		assert.Equal(t, int64(50), limits.Calls)
		assert.Equal(t, 90*time.Minute, limits.Time)
		assert.Zero(t, limits.Depth)
	})
	t.Run("Should accept day units", func(t *testing.T) {
		limits, err := parse(t, "--time", "1d")
		require.NoError(t, err)
		assert.Equal(t, 24*time.Hour, limits.Time)
	})
}

func questions() []research.Question {
	return []research.Question{
		{ID: "scope", Text: "Which aspect interests you?"},
		{ID: "depth", Text: "How deep should it go?"},
		{ID: "audience", Text: "Who is the audience?"},
	}
}

func TestAnswerers(t *testing.T) {
	t.Run("Should answer preset ids and skip blanks", func(t *testing.T) {
		got, err := presetAnswers{"scope": "hardware", "depth": "  "}.Answer(t.Context(), questions())
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"scope": "hardware"}, got)
	})
	t.Run("Should read one line per question until input ends", func(t *testing.T) {
		var prompts bytes.Buffer
		l := newLineAnswerer(strings.NewReader("hardware\n\nstudents"), &prompts)
		got, err := l.Answer(t.Context(), questions())
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"scope": "hardware", "audience": "students"}, got)
		assert.Contains(t, prompts.String(), "? Which aspect interests you?")
	})
	t.Run("Should stop at end of input", func(t *testing.T) {
		l := newLineAnswerer(strings.NewReader(""), &bytes.Buffer{})
		got, err := l.Answer(t.Context(), questions())
		require.NoError(t, err)
		assert.Empty(t, got)
	})
	t.Run("Should ask later answerers only the open questions", func(t *testing.T) {
		var prompts bytes.Buffer
		chain := chainAnswers{
			presetAnswers{"scope": "hardware"},
			newLineAnswerer(strings.NewReader("deep\nexperts\n"), &prompts),
		}
		got, err := chain.Answer(t.Context(), questions())
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"scope": "hardware", "depth": "deep", "audience": "experts"}, got)
		assert.NotContains(t, prompts.String(), "Which aspect")
	})
}

func TestPrinter(t *testing.T) {
	value := map[string]any{"status": "completed", "findings": 2}
	t.Run("Should write indented JSON", func(t *testing.T) {
		var out bytes.Buffer
		p := &printer{out: &out, format: formatJSON}
		require.NoError(t, p.print(value, nil))
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		assert.Equal(t, "completed", decoded["status"])
		assert.Contains(t, out.String(), "\n  ")
	})
	t.Run("Should write YAML", func(t *testing.T) {
		var out bytes.Buffer
		p := &printer{out: &out, format: formatYAML}
		require.NoError(t, p.print(value, nil))
		assert.Contains(t, out.String(), "status: completed")
		assert.Contains(t, out.String(), "findings: 2")
	})
	t.Run("Should delegate text output", func(t *testing.T) {
		var out bytes.Buffer
		p := &printer{out: &out, format: formatText}
		require.NoError(t, p.print(value, func(w io.Writer) error {
			_, err := io.WriteString(w, "text output")
			return err
		}))
		assert.Equal(t, "text output", out.String())
	})
	t.Run("Should leave text unstyled without a terminal", func(t *testing.T) {
		p := &printer{format: formatText}
		assert.Equal(t, "ok", p.style(okStyle, "ok"))
	})
}

func TestStorage(t *testing.T) {
	t.Run("Should share one sqlite store between audit and snapshots", func(t *testing.T) {
		cfg := config.Default()
		cfg.Audit.Backend = config.BackendSQLite
		cfg.Snapshot.Backend = config.BackendSQLite
		cfg.SQLite.Path = filepath.Join(t.TempDir(), "research.db")
		st, err := openStorage(t.Context(), cfg)
		require.NoError(t, err)
		defer func() { assert.NoError(t, st.Close(t.Context())) }()
		require.NotNil(t, st.sqlite)
		assert.NotNil(t, st.reader)
		assert.Len(t, st.sinks, 1)
		store, err := st.requireSnapshots()
		require.NoError(t, err)
		snap := &snapshot.Snapshot{SessionID: "s1", State: "SEARCHING"}
		require.NoError(t, store.Save(t.Context(), snap))
		loaded, err := store.Load(t.Context(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "SEARCHING", loaded.State)
	})
	t.Run("Should keep records in memory", func(t *testing.T) {
		cfg := config.Default()
		cfg.Audit.Backend = config.BackendMemory
		cfg.Snapshot.Backend = config.BackendMemory
		st, err := openStorage(t.Context(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, st.reader)
		assert.Nil(t, st.sqlite)
		assert.NoError(t, st.Close(t.Context()))
	})
	t.Run("Should write only to the log without a reader", func(t *testing.T) {
		cfg := config.Default()
		cfg.Audit.Backend = config.BackendLog
		cfg.Snapshot.Backend = config.BackendNone
		st, err := openStorage(t.Context(), cfg)
		require.NoError(t, err)
		assert.Nil(t, st.reader)
		assert.Len(t, st.sinks, 1)
		_, err = st.requireSnapshots()
		assert.Error(t, err)
	})
	t.Run("Should reject unknown backends", func(t *testing.T) {
		cfg := config.Default()
		cfg.Audit.Backend = "kafka"
		_, err := openStorage(t.Context(), cfg)
		assert.ErrorContains(t, err, "kafka")
	})
}

func TestWatchCommand(t *testing.T) {
	t.Run("Should print the result published by another process", func(t *testing.T) {
		mr := miniredis.RunT(t)
		path := writeConfig(t, fmt.Sprintf("events:\n  backend: redis\nredis:\n  url: redis://%s\n", mr.Addr()))
		ctx := logger.ContextWithLogger(t.Context(), logger.NewForTests())
		cfg := redis.DefaultConfig()
		cfg.URL = "redis://" + mr.Addr()
		client, err := redis.New(ctx, &cfg)
		require.NoError(t, err)
		defer client.Close()
		pub := redis.NewEventPublisher(client)

		done := make(chan execution, 1)
		go func() {
			done <- execute(t, noWorkers, "", "--config", path, "-f", "json", "watch", "s1")
		}()
		final := orchestrator.ProgressEvent{
			SessionID: "s1", Seq: 9, State: orchestrator.StateCompleted, Progress: 100,
			Result: &orchestrator.ResearchResult{SessionID: "s1", Query: "q", Status: orchestrator.StatusCompleted},
		}
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		timeout := time.After(10 * time.Second)
		for {
			select {
			case watch := <-done:
				require.NoError(t, watch.err, watch.errOut)
				var res orchestrator.ResearchResult
				require.NoError(t, json.Unmarshal([]byte(watch.out), &res))
				assert.Equal(t, "s1", res.SessionID)
				assert.Equal(t, orchestrator.StatusCompleted, res.Status)
				return
			case <-ticker.C:
				require.NoError(t, pub.Publish(ctx, final))
			case <-timeout:
				t.Fatal("watch did not finish")
			}
		}
	})
	t.Run("Should refuse without an events backend", func(t *testing.T) {
		path := writeConfig(t, "")
		watch := execute(t, noWorkers, "", "--config", path, "watch", "s1")
		assert.ErrorContains(t, watch.err, "events.backend")
	})
}

func TestVersionCommand(t *testing.T) {
	t.Run("Should print build information", func(t *testing.T) {
		path := writeConfig(t, "")
		run := execute(t, noWorkers, "", "--config", path, "-f", "json", "version")
		require.NoError(t, run.err)
		var info map[string]any
		require.NoError(t, json.Unmarshal([]byte(run.out), &info))
		assert.NotEmpty(t, info["version"])
	})
}
