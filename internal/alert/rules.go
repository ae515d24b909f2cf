package alert

import (
	"context"
	"fmt"
	"sort"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/google/uuid"
)

// DefaultRules are installed at startup when enabled in configuration.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "default-temperature-warning",
			Name:      "High temperature",
			RuleType:  RuleTemperature,
			Condition: GreaterThan,
			Threshold: 80,
			Severity:  SeverityWarning,
			Enabled:   true,
		},
		{
			ID:        "default-temperature-critical",
			Name:      "Critical temperature",
			RuleType:  RuleTemperature,
			Condition: GreaterThan,
			Threshold: 90,
			Severity:  SeverityCritical,
			Enabled:   true,
		},
		{
			ID:        "default-fan-stopped",
			Name:      "Fan stopped",
			RuleType:  RuleFan,
			Condition: Equals,
			Threshold: 0,
			Severity:  SeverityCritical,
			Enabled:   true,
		},
		{
			ID:        "default-sensor-offline",
			Name:      "Sensor reading lost",
			RuleType:  RuleSensor,
			Condition: LessThan,
			Threshold: 1,
			Severity:  SeverityWarning,
			Enabled:   true,
		},
	}
}

// InstallDefaultRules adds every default rule that is not already present.
func (e *Engine) InstallDefaultRules() int {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	added := 0
	for _, r := range DefaultRules() {
		if _, ok := e.rules[r.ID]; ok {
			continue
		}
		e.rules[r.ID] = r
		added++
	}

	return added
}

func validateRule(r Rule) error {
	errFactory := errors.New()

	switch {
	case r.Name == "":
		return errFactory.WithMessage(errors.ErrValidation, "rule name is required")
	case !r.RuleType.IsValid():
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown rule type %q", r.RuleType))
	case !r.Condition.IsValid():
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown condition %q", r.Condition))
	case !r.Severity.IsValid():
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown severity %q", r.Severity))
	case r.DurationSeconds < 0:
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("negative duration %d", r.DurationSeconds))
	}

	return nil
}

// AddRule stores r, assigning an id when none is given.
func (e *Engine) AddRule(r Rule) (Rule, error) {
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if _, ok := e.rules[r.ID]; ok {
		return Rule{}, errors.New().WithData(errors.ErrValidation, "duplicate rule id "+r.ID)
	}
	e.rules[r.ID] = r

	e.logger.Debug().Str("rule_id", r.ID).Str("name", r.Name).Msg("Alert rule added")

	return r, nil
}

func (e *Engine) UpdateRule(id string, r Rule) (Rule, error) {
	r.ID = id
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return Rule{}, errors.New().WithData(errors.ErrNotFound, "rule "+id)
	}
	e.rules[id] = r

	return r, nil
}

func (e *Engine) RemoveRule(id string) error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return errors.New().WithData(errors.ErrNotFound, "rule "+id)
	}
	delete(e.rules, id)

	return nil
}

func (e *Engine) Rule(id string) (Rule, error) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()

	r, ok := e.rules[id]
	if !ok {
		return Rule{}, errors.New().WithData(errors.ErrNotFound, "rule "+id)
	}

	return r, nil
}

// Rules returns all rules sorted by id.
func (e *Engine) Rules() []Rule {
	e.rulesMu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	e.rulesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (e *Engine) enabledRules(t RuleType) []Rule {
	var out []Rule
	for _, r := range e.Rules() {
		if r.Enabled && r.RuleType == t {
			out = append(out, r)
		}
	}
	return out
}

func (t ChannelType) IsValid() bool {
	switch t {
	case ChannelEmail, ChannelWebhook, ChannelChat, ChannelSMS:
		return true
	default:
		return false
	}
}

func validateChannel(c Channel) error {
	errFactory := errors.New()

	switch {
	case c.Name == "":
		return errFactory.WithMessage(errors.ErrValidation, "channel name is required")
	case !c.ChannelType.IsValid():
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown channel type %q", c.ChannelType))
	case c.SeverityFilter != nil && !c.SeverityFilter.IsValid():
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown severity filter %q", *c.SeverityFilter))
	}

	for _, t := range c.AlertTypeFilter {
		if !t.IsValid() {
			return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown alert type filter %q", t))
		}
	}

	return nil
}

func cloneChannel(c Channel) Channel {
	if c.Config != nil {
		cfg := make(map[string]string, len(c.Config))
		for k, v := range c.Config {
			cfg[k] = v
		}
		c.Config = cfg
	}
	if c.SeverityFilter != nil {
		sev := *c.SeverityFilter
		c.SeverityFilter = &sev
	}
	c.AlertTypeFilter = append([]Type(nil), c.AlertTypeFilter...)

	return c
}

func (e *Engine) AddChannel(c Channel) (Channel, error) {
	if err := validateChannel(c); err != nil {
		return Channel{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()

	if _, ok := e.channels[c.ID]; ok {
		return Channel{}, errors.New().WithData(errors.ErrValidation, "duplicate channel id "+c.ID)
	}
	e.channels[c.ID] = cloneChannel(c)

	e.logger.Debug().
		Str("channel_id", c.ID).
		Str("channel_type", string(c.ChannelType)).
		Msg("Notification channel added")

	return c, nil
}

func (e *Engine) UpdateChannel(id string, c Channel) (Channel, error) {
	c.ID = id
	if err := validateChannel(c); err != nil {
		return Channel{}, err
	}

	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()

	if _, ok := e.channels[id]; !ok {
		return Channel{}, errors.New().WithData(errors.ErrNotFound, "channel "+id)
	}
	e.channels[id] = cloneChannel(c)

	return c, nil
}

func (e *Engine) RemoveChannel(id string) error {
	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()

	if _, ok := e.channels[id]; !ok {
		return errors.New().WithData(errors.ErrNotFound, "channel "+id)
	}
	delete(e.channels, id)

	return nil
}

// Channels returns all channels sorted by id.
func (e *Engine) Channels() []Channel {
	e.channelsMu.RLock()
	out := make([]Channel, 0, len(e.channels))
	for _, c := range e.channels {
		out = append(out, cloneChannel(c))
	}
	e.channelsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// TestChannel sends a synthetic info alert through one channel, ignoring
// its filters. The alert is not recorded.
func (e *Engine) TestChannel(ctx context.Context, id string) error {
	e.channelsMu.RLock()
	ch, ok := e.channels[id]
	e.channelsMu.RUnlock()

	errFactory := errors.New()

	if !ok {
		return errFactory.WithData(errors.ErrNotFound, "channel "+id)
	}
	if e.notifier == nil {
		return errFactory.WithMessage(errors.ErrUnavailable, "no notifier configured")
	}

	now := e.now()
	a := Alert{
		ID:        uuid.NewString(),
		AlertType: TypeSystem,
		Severity:  SeverityInfo,
		Source:    "thermalctl",
		Message:   "Test notification for channel " + ch.Name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Details:   map[string]any{"test": true},
	}

	if err := e.notifier.Send(ctx, cloneChannel(ch), a); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}
