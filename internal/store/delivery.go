package store

// WebhookDelivery is one queued webhook attempt fetched by the worker.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}
