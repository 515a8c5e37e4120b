package kafka

// Топики по умолчанию
const (
	TopicSubscriptionChanged = "billing.subscription_changed"
	TopicDeadLetter          = "billing.dead_letter"
	TopicDriftDetected       = "billing.drift_detected"
)

// Topics имена топиков сервиса
type Topics struct {
	SubscriptionChanged string
	DeadLetter          string
	DriftDetected       string
}

// DefaultTopics топики с именами по умолчанию
func DefaultTopics() Topics {
	return Topics{
		SubscriptionChanged: TopicSubscriptionChanged,
		DeadLetter:          TopicDeadLetter,
		DriftDetected:       TopicDriftDetected,
	}
}

// WithDefaults заполняет пустые имена значениями по умолчанию
func (t Topics) WithDefaults() Topics {
	d := DefaultTopics()
	if t.SubscriptionChanged == "" {
		t.SubscriptionChanged = d.SubscriptionChanged
	}
	if t.DeadLetter == "" {
		t.DeadLetter = d.DeadLetter
	}
	if t.DriftDetected == "" {
		t.DriftDetected = d.DriftDetected
	}
	return t
}

// All список всех топиков
func (t Topics) All() []string {
	return []string{t.SubscriptionChanged, t.DeadLetter, t.DriftDetected}
}
