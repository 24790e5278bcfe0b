package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the transition log and posts new entries to the
// configured subscribers. Delivery is at-least-once per subscriber; a failed
// delivery stalls that subscriber's cursor until the endpoint recovers.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	transitions, err := d.engine.Repo.TransitionsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch transitions failed: %v", err)
		return
	}
	if len(transitions) == 0 {
		return
	}
	filter := newStageFilter(hook.Stages)
	for _, tr := range transitions {
		if !filter.match(string(tr.ToStage)) {
			d.setCursor(idx, tr.ID)
			continue
		}
		if err := d.postTransition(ctx, hook, tr); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, tr.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestTransitionID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookTransition struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts"`
	ItemID    string          `json:"item_id"`
	FromStage string          `json:"from_stage"`
	ToStage   string          `json:"to_stage"`
	ActorID   string          `json:"actor_id"`
	Verdict   json.RawMessage `json:"verdict,omitempty"`
	Note      string          `json:"note,omitempty"`
}

func (d *webhookDispatcher) postTransition(ctx context.Context, hook config.WebhookConfig, tr domain.Transition) error {
	body := webhookTransition{
		ID:        tr.ID,
		TS:        tr.TS,
		ItemID:    tr.ItemID,
		FromStage: string(tr.FromStage),
		ToStage:   string(tr.ToStage),
		ActorID:   tr.ActorID,
		Note:      tr.Note,
	}
	if tr.Verdict != "" && json.Valid([]byte(tr.Verdict)) {
		body.Verdict = json.RawMessage(tr.Verdict)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateline-Stage", string(tr.ToStage))
	req.Header.Set("X-Gateline-Delivery", fmt.Sprintf("%d", tr.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gateline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type stageFilter struct {
	all bool
	set map[string]struct{}
}

func newStageFilter(stages []string) stageFilter {
	if len(stages) == 0 {
		return stageFilter{all: true}
	}
	set := make(map[string]struct{}, len(stages))
	for _, s := range stages {
		key := strings.TrimSpace(s)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return stageFilter{all: true}
	}
	return stageFilter{set: set}
}

func (f stageFilter) match(stage string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[stage]
	return ok
}
