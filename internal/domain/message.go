package domain

// Channel identifies the transport a message arrived on.
type Channel string

const (
	// ChannelForm is the form-encoded webhook transport (Twilio-style fields).
	ChannelForm Channel = "form"
	// ChannelJSON is the JSON webhook transport (cloud-API-style fields).
	ChannelJSON Channel = "json"
)

// InboundMessage is the canonical shape produced by the normalizer, with
// transport prefixes already stripped from both addresses.
type InboundMessage struct {
	Channel    Channel
	From       string
	To         string
	Body       string
	ExternalID string
	MediaCount int
}
