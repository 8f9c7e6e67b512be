package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/config"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// DefaultChannelLimit is the message split threshold for channel outputs.
const DefaultChannelLimit = 4000

// ChannelSender delivers text to an external channel. Implemented by the
// gateway's channel adapters; nil means channel outputs are logged only.
type ChannelSender interface {
	SendToChannel(ctx context.Context, channelID, text string) error
}

// OutputRouter hands a finished job result to its configured destination.
type OutputRouter struct {
	sender  ChannelSender
	httpc   *http.Client
	smtp    config.SMTPConfig
	limit   int
	logger  *slog.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewOutputRouter(sender ChannelSender, smtpCfg config.SMTPConfig, channelLimit, webhookTimeoutSec int, logger *slog.Logger) *OutputRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if channelLimit <= 0 {
		channelLimit = DefaultChannelLimit
	}
	if webhookTimeoutSec <= 0 {
		webhookTimeoutSec = 30
	}
	return &OutputRouter{
		sender:   sender,
		httpc:    &http.Client{Timeout: time.Duration(webhookTimeoutSec) * time.Second},
		smtp:     smtpCfg,
		limit:    channelLimit,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

// Route delivers result per the job's output spec.
func (r *OutputRouter) Route(ctx context.Context, job *store.ScheduledJob, result string) error {
	switch job.Output.Kind {
	case store.OutputChannel:
		return r.toChannel(ctx, job, result)
	case store.OutputWebhook:
		return r.toWebhook(ctx, job, result)
	case store.OutputFile:
		return r.toFile(job, result)
	case store.OutputEmail:
		return r.toEmail(job, result)
	case "":
		r.logger.Info("job has no output destination", "job", job.ID)
		return nil
	default:
		return fmt.Errorf("unknown output kind %q", job.Output.Kind)
	}
}

func (r *OutputRouter) toChannel(ctx context.Context, job *store.ScheduledJob, result string) error {
	if r.sender == nil {
		r.logger.Info("no channel sender configured, output dropped",
			"job", job.ID, "channel", job.Output.ChannelID)
		return nil
	}
	for _, part := range SplitMessage(result, r.limit) {
		if err := r.sender.SendToChannel(ctx, job.Output.ChannelID, part); err != nil {
			return fmt.Errorf("send to channel %s: %w", job.Output.ChannelID, err)
		}
	}
	return nil
}

// toWebhook POSTs {job, result, timestamp}. Non-2xx is logged, not retried.
func (r *OutputRouter) toWebhook(ctx context.Context, job *store.ScheduledJob, result string) error {
	body, err := json.Marshal(map[string]any{
		"job":       job.Name,
		"result":    result,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Output.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook output request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook output post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Warn("webhook output rejected",
			"job", job.ID, "url", job.Output.WebhookURL, "status", resp.StatusCode)
	}
	return nil
}

// toFile writes the rendered result atomically, creating parent directories.
func (r *OutputRouter) toFile(job *store.ScheduledJob, result string) error {
	path := filepath.Clean(config.ExpandHome(job.Output.FilePath))
	if path == "" || path == "." {
		return fmt.Errorf("job %s: empty output path", job.ID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	content := fmt.Sprintf("# %s\n\nGenerated: %s\n\n---\n\n%s",
		job.Name, time.Now().UTC().Format(time.RFC3339), result)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".job-*")
	if err != nil {
		return fmt.Errorf("temp output file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (r *OutputRouter) toEmail(job *store.ScheduledJob, result string) error {
	if r.smtp.Host == "" {
		return fmt.Errorf("job %s: email output without smtp config", job.ID)
	}
	addr := fmt.Sprintf("%s:%d", r.smtp.Host, r.smtp.Port)
	var auth smtp.Auth
	if r.smtp.User != "" {
		auth = smtp.PlainAuth("", r.smtp.User, r.smtp.Pass, r.smtp.Host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		r.smtp.From, job.Output.EmailTo, "Scheduled job: "+job.Name, result)
	if err := r.sendMail(addr, auth, r.smtp.From, []string{job.Output.EmailTo}, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// SplitMessage splits text into chunks of at most limit characters,
// preferring a newline boundary at or past half the limit.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChannelLimit
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx >= limit/2 {
			cut = idx
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}
