package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ResultPublisher publishes run results and iteration progress to MQTT.
// If client is nil, publishing is disabled.
type ResultPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	results       map[string]*RunResult // keyed by "<chunk>/<step>"
	mu            sync.RWMutex
}

// NewResultPublisher creates a publisher. The topic prefix comes from
// MQTT_PUBLISH_PREFIX, then the configured prefix, then "sparseclean".
func NewResultPublisher(client mqtt.Client, prefix string) *ResultPublisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "sparseclean"
	}
	return &ResultPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
		results:       make(map[string]*RunResult),
	}
}

// topicSegment makes a chunk label safe for use as one topic level.
func topicSegment(s string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	if s = r.Replace(strings.TrimSpace(s)); s == "" {
		return "chunk"
	}
	return s
}

func (p *ResultPublisher) enabled() bool {
	return p.client != nil && p.client.IsConnected()
}

func (p *ResultPublisher) publish(topic string, retain bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// PublishResult publishes a finished step to <prefix>/<chunk>/<step> and
// refreshes the <prefix>/<chunk>/summary topic.
func (p *ResultPublisher) PublishResult(chunk string, r *RunResult) error {
	if !p.enabled() {
		return fmt.Errorf("MQTT client not connected")
	}
	chunk = topicSegment(chunk)

	p.mu.Lock()
	p.results[chunk+"/"+r.Criterion.String()] = r
	p.mu.Unlock()

	topic := fmt.Sprintf("%s/%s/%s", p.publishPrefix, chunk, r.Criterion)
	if err := p.publish(topic, p.retain, r); err != nil {
		Logf("[MQTT] error publishing %s result: %v", r.Criterion, err)
		return err
	}
	Logf("[MQTT] published %s result for %s (%s)", r.Criterion, chunk, r.Status)

	if err := p.publishSummary(chunk); err != nil {
		Logf("[MQTT] error publishing summary: %v", err)
		return err
	}
	return nil
}

// StepSummary is one line of the summary topic.
type StepSummary struct {
	Criterion  FilterCriterion `json:"criterion"`
	Status     RunStatus       `json:"status"`
	Iterations int             `json:"iterations"`
	Points     CountChange     `json:"points"`
	RMS        Change          `json:"rms"`
}

func (p *ResultPublisher) publishSummary(chunk string) error {
	p.mu.RLock()
	steps := make([]StepSummary, 0, len(Criteria))
	for _, c := range Criteria {
		if r, ok := p.results[chunk+"/"+c.String()]; ok {
			steps = append(steps, StepSummary{
				Criterion:  r.Criterion,
				Status:     r.Status,
				Iterations: r.Iterations,
				Points:     r.Points,
				RMS:        r.RMS,
			})
		}
	}
	p.mu.RUnlock()

	if len(steps) == 0 {
		return nil
	}
	message := map[string]interface{}{
		"chunk":     chunk,
		"steps":     steps,
		"timestamp": time.Now().Unix(),
	}
	return p.publish(fmt.Sprintf("%s/%s/summary", p.publishPrefix, chunk), p.retain, message)
}

// PublishProgress publishes one iteration snapshot, not retained, to
// <prefix>/<chunk>/<step>/progress. Errors are logged, not returned, so a
// flaky broker never interrupts a run.
func (p *ResultPublisher) PublishProgress(chunk string, c FilterCriterion, snap IterationSnapshot) {
	if !p.enabled() {
		return
	}
	topic := fmt.Sprintf("%s/%s/%s/progress", p.publishPrefix, topicSegment(chunk), c)
	if err := p.publish(topic, false, snap); err != nil {
		Logf("[MQTT] error publishing progress: %v", err)
	}
}

// GetResult returns the last published result for a chunk and step.
func (p *ResultPublisher) GetResult(chunk string, c FilterCriterion) (*RunResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.results[topicSegment(chunk)+"/"+c.String()]
	return r, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ResultPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether results are retained by the broker
func (p *ResultPublisher) SetRetain(retain bool) {
	p.retain = retain
}
