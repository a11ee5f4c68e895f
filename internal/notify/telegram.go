package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mobwatch/internal/pipeline"
)

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	// APIURL defaults to https://api.telegram.org
	APIURL string
	// MinAlert is the lowest alert that is sent: warning or danger (default)
	MinAlert pipeline.Alert
	// Cooldown between two alerts of the same level, default 30s
	Cooldown time.Duration
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// TelegramNotifier sends an alert with the last annotated frame when a job
// completes as a restless or violent crowd
type TelegramNotifier struct {
	config     TelegramConfig
	httpClient *http.Client

	lastFrames map[string][]byte // job id -> latest annotated frame
	cooldowns  map[pipeline.Alert]time.Time
	mu         sync.Mutex

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig, logger zerolog.Logger) (*TelegramNotifier, error) {
	if config.BotToken == "" || config.ChatID == "" {
		return nil, fmt.Errorf("telegram bot token and chat ID are required")
	}
	if config.APIURL == "" {
		config.APIURL = "https://api.telegram.org"
	}
	config.APIURL = strings.TrimSuffix(config.APIURL, "/")
	switch config.MinAlert {
	case "":
		config.MinAlert = pipeline.AlertDanger
	case pipeline.AlertWarning, pipeline.AlertDanger:
	default:
		return nil, fmt.Errorf("telegram min alert must be warning or danger, got %q", config.MinAlert)
	}
	if config.Cooldown == 0 {
		config.Cooldown = 30 * time.Second
	}

	return &TelegramNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		lastFrames: make(map[string][]byte),
		cooldowns:  make(map[pipeline.Alert]time.Time),
		logger:     logger.With().Str("component", "telegram").Logger(),
	}, nil
}

// OnEvent implements pipeline.EventHandler
func (tn *TelegramNotifier) OnEvent(event *pipeline.Event) {
	if event == nil {
		return
	}

	switch event.Type {
	case pipeline.EventFrame:
		if len(event.Image) > 0 {
			tn.mu.Lock()
			tn.lastFrames[event.JobID] = event.Image
			tn.mu.Unlock()
		}
	case pipeline.EventFailed:
		tn.mu.Lock()
		delete(tn.lastFrames, event.JobID)
		tn.mu.Unlock()
	case pipeline.EventCompleted:
		tn.mu.Lock()
		frame := tn.lastFrames[event.JobID]
		delete(tn.lastFrames, event.JobID)
		send := tn.shouldSend(event.Status.Alert)
		tn.mu.Unlock()

		if !send {
			return
		}
		status := event.Status
		caption := alertCaption(event.JobID, &status)

		tn.wg.Add(1)
		go func() {
			defer tn.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var err error
			if len(frame) > 0 {
				err = tn.sendPhoto(ctx, frame, caption)
			} else {
				err = tn.sendMessage(ctx, caption)
			}
			if err != nil {
				tn.logger.Warn().Err(err).Str("job", event.JobID).Msg("failed to send alert")
			}
		}()
	}
}

// shouldSend applies the alert floor and the per-level cooldown. Callers hold mu.
func (tn *TelegramNotifier) shouldSend(alert pipeline.Alert) bool {
	switch alert {
	case pipeline.AlertDanger:
	case pipeline.AlertWarning:
		if tn.config.MinAlert != pipeline.AlertWarning {
			return false
		}
	default:
		return false
	}

	if last, ok := tn.cooldowns[alert]; ok && time.Since(last) < tn.config.Cooldown {
		return false
	}
	tn.cooldowns[alert] = time.Now()
	return true
}

func alertCaption(jobID string, status *pipeline.JobStatus) string {
	icon := "🟡"
	if status.Alert == pipeline.AlertDanger {
		icon = "🔴"
	}

	var counts []string
	for _, c := range pipeline.Categories {
		if n := status.Counts[c]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s %d", c, n))
		}
	}

	now := time.Now()
	zoneName, _ := now.Zone()
	caption := fmt.Sprintf("%s <b>%s</b>\n\n🎞 Video: %s\n🆔 Job: %s\n🕐 Time: %s %s",
		icon, status.MobState, status.Filename, jobID, now.Format("2 Jan 2006, 15:04:05"), zoneName)
	if len(counts) > 0 {
		caption += "\n🎯 Peak counts: " + strings.Join(counts, ", ")
	}
	return caption
}

// sendMessage sends a text message
func (tn *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":    tn.config.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tn.methodURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return tn.do(req)
}

// sendPhoto sends a photo using multipart form data
func (tn *TelegramNotifier) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", tn.config.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tn.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return tn.do(req)
}

func (tn *TelegramNotifier) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tn.config.APIURL, tn.config.BotToken, method)
}

// do sends a request and processes the Telegram API response
func (tn *TelegramNotifier) do(req *http.Request) error {
	resp, err := tn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !telegramResp.OK {
		return fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return nil
}

// Wait blocks until pending alerts are sent
func (tn *TelegramNotifier) Wait() {
	tn.wg.Wait()
}

var _ pipeline.EventHandler = (*TelegramNotifier)(nil)
