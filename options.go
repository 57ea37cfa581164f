package whisper

import "strconv"

// SendOption tweaks a single producer call.
type SendOption func(*sendOpts)

type sendOpts struct {
	parseMode           string
	allowDuplicates     bool
	disableNotification bool
	replyTo             int64
}

func buildSendOpts(opts []SendOption) sendOpts {
	o := sendOpts{parseMode: "Markdown"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithParseMode overrides the text parse mode ("Markdown", "HTML", ...).
func WithParseMode(mode string) SendOption {
	return func(o *sendOpts) { o.parseMode = mode }
}

// AllowDuplicates bypasses the duplicate cache entirely: the send is
// neither checked against it nor recorded in it.
func AllowDuplicates() SendOption {
	return func(o *sendOpts) { o.allowDuplicates = true }
}

// Silent delivers without a client-side notification sound.
func Silent() SendOption {
	return func(o *sendOpts) { o.disableNotification = true }
}

// ReplyTo makes the message a reply to an earlier one.
func ReplyTo(messageID int64) SendOption {
	return func(o *sendOpts) { o.replyTo = messageID }
}

// applyCommon stamps the optional fields shared by every task kind.
func (o sendOpts) applyCommon(fields map[string]string) {
	if o.disableNotification {
		fields["disable_notification"] = "true"
	}
	if o.replyTo != 0 {
		fields["reply_to_message_id"] = strconv.FormatInt(o.replyTo, 10)
	}
}
