package whisper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"whisper/internal/dedup"
	"whisper/internal/eventbus"
	"whisper/internal/task"
)

// SendMessage queues a framed text message. Repeats inside the dedup
// TTL are suppressed unless AllowDuplicates is passed, in which case
// the cache is neither consulted nor updated. Empty messages and
// queue-full conditions are logged and dropped; nothing is returned
// to the caller.
func (n *Notifier) SendMessage(text string, opts ...SendOption) {
	o := buildSendOpts(opts)
	if strings.TrimSpace(text) == "" {
		n.log.Warn().Msg("empty message; dropping")
		return
	}

	framed := frame(text, n.now())
	fp := dedup.Of(framed)
	if !o.allowDuplicates && n.cache.ShouldSuppress(fp) {
		n.log.Info().Str("text", text).Msg("duplicate message suppressed")
		n.bus.Publish(eventbus.Event{Kind: eventbus.Deduped, Endpoint: task.EndpointMessage})
		return
	}

	fields := map[string]string{
		"chat_id":    n.chatID,
		"parse_mode": o.parseMode,
		"text":       framed,
	}
	o.applyCommon(fields)

	if n.enqueue(task.New(task.EndpointMessage, fields, nil), "message") && !o.allowDuplicates {
		n.cache.Record(fp)
	}
}

// SendDocument queues a file from path.
func (n *Notifier) SendDocument(path, caption string, opts ...SendOption) {
	n.sendMedia(path, "sendDocument", "document", caption, true, opts)
}

// SendPhoto queues an image from path.
func (n *Notifier) SendPhoto(path, caption string, opts ...SendOption) {
	n.sendMedia(path, "sendPhoto", "photo", caption, true, opts)
}

// SendAudio queues an audio file from path.
func (n *Notifier) SendAudio(path, caption string, opts ...SendOption) {
	n.sendMedia(path, "sendAudio", "audio", caption, true, opts)
}

// SendVideo queues a video from path.
func (n *Notifier) SendVideo(path, caption string, opts ...SendOption) {
	n.sendMedia(path, "sendVideo", "video", caption, true, opts)
}

// SendAnimation queues a GIF from path.
func (n *Notifier) SendAnimation(path, caption string, opts ...SendOption) {
	n.sendMedia(path, "sendAnimation", "animation", caption, true, opts)
}

// SendVoice queues a voice note from path.
func (n *Notifier) SendVoice(path, caption string, opts ...SendOption) {
	n.sendMedia(path, "sendVoice", "voice", caption, true, opts)
}

// SendVideoNote queues a video note from path. Video notes carry no
// caption.
func (n *Notifier) SendVideoNote(path string, opts ...SendOption) {
	n.sendMedia(path, "sendVideoNote", "video_note", "", false, opts)
}

// sendMedia reads the file fully into memory (so a retried submission
// can replay the bytes), frames the caption and queues the task.
func (n *Notifier) sendMedia(path, endpoint, kind, caption string, withCaption bool, opts []SendOption) {
	o := buildSendOpts(opts)

	data, err := os.ReadFile(path)
	if err != nil {
		n.log.Warn().Str("path", path).Err(err).Msgf("cannot read %s; dropping", kind)
		return
	}

	fields := map[string]string{"chat_id": n.chatID}
	if withCaption {
		fields["caption"] = frame(caption, n.now())
	}
	o.applyCommon(fields)

	att := &task.Attachment{
		Field:    kind,
		FileName: filepath.Base(path),
		MIME:     mediaMIME(kind, path),
		Data:     data,
	}
	n.enqueue(task.New(endpoint, fields, att), kind)
}

// mediaMIME derives a content kind from the task kind and file
// extension; unknown extensions fall back to an opaque octet stream.
func mediaMIME(kind, path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}
	return kind + "/" + strings.TrimPrefix(ext, ".")
}

// MediaItem is one entry of a media album.
type MediaItem struct {
	Type    string `json:"type"`  // "photo" or "video"
	Media   string `json:"media"` // file id or URL
	Caption string `json:"caption,omitempty"`
}

// SendMediaGroup queues an album of previously uploaded media.
func (n *Notifier) SendMediaGroup(items []MediaItem, opts ...SendOption) {
	o := buildSendOpts(opts)
	if len(items) == 0 {
		n.log.Warn().Msg("empty media group; dropping")
		return
	}
	media, err := json.Marshal(items)
	if err != nil {
		n.log.Error().Err(err).Msg("cannot encode media group; dropping")
		return
	}
	fields := map[string]string{"chat_id": n.chatID, "media": string(media)}
	o.applyCommon(fields)
	n.enqueue(task.New("sendMediaGroup", fields, nil), "media group")
}

// SendLocation queues a point on the map.
func (n *Notifier) SendLocation(latitude, longitude float64, opts ...SendOption) {
	o := buildSendOpts(opts)
	fields := map[string]string{
		"chat_id":   n.chatID,
		"latitude":  formatFloat(latitude),
		"longitude": formatFloat(longitude),
	}
	o.applyCommon(fields)
	n.enqueue(task.New("sendLocation", fields, nil), "location")
}

// Contact is a phone-book entry.
type Contact struct {
	Phone     string
	FirstName string
	LastName  string
	VCard     string
}

// SendContact queues a contact card.
func (n *Notifier) SendContact(c Contact, opts ...SendOption) {
	o := buildSendOpts(opts)
	if c.Phone == "" || c.FirstName == "" {
		n.log.Warn().Msg("contact needs a phone and first name; dropping")
		return
	}
	fields := map[string]string{
		"chat_id":      n.chatID,
		"phone_number": c.Phone,
		"first_name":   c.FirstName,
	}
	if c.LastName != "" {
		fields["last_name"] = c.LastName
	}
	if c.VCard != "" {
		fields["vcard"] = c.VCard
	}
	o.applyCommon(fields)
	n.enqueue(task.New("sendContact", fields, nil), "contact")
}

// Poll describes a native poll. The zero value of Public keeps the
// Bot API default of an anonymous poll.
type Poll struct {
	Question        string
	Options         []string // 2..10 answers
	Public          bool
	Quiz            bool
	CorrectOption   int // 0-based; quiz only
	Explanation     string
	MultipleAnswers bool
	OpenPeriodSec   int
	CloseDate       int64 // unix seconds
	Closed          bool
}

// SendPoll queues a poll.
func (n *Notifier) SendPoll(p Poll, opts ...SendOption) {
	o := buildSendOpts(opts)
	if strings.TrimSpace(p.Question) == "" || len(p.Options) < 2 {
		n.log.Warn().Msg("poll needs a question and at least two options; dropping")
		return
	}
	answers, err := json.Marshal(p.Options)
	if err != nil {
		n.log.Error().Err(err).Msg("cannot encode poll options; dropping")
		return
	}

	pollType := "regular"
	if p.Quiz {
		pollType = "quiz"
	}
	fields := map[string]string{
		"chat_id":                 n.chatID,
		"question":                p.Question,
		"options":                 string(answers),
		"type":                    pollType,
		"is_anonymous":            strconv.FormatBool(!p.Public),
		"allows_multiple_answers": strconv.FormatBool(p.MultipleAnswers),
		"is_closed":               strconv.FormatBool(p.Closed),
	}
	if p.Quiz {
		fields["correct_option_id"] = strconv.Itoa(p.CorrectOption)
	}
	if p.Explanation != "" {
		fields["explanation"] = p.Explanation
	}
	if p.OpenPeriodSec > 0 {
		fields["open_period"] = strconv.Itoa(p.OpenPeriodSec)
	}
	if p.CloseDate > 0 {
		fields["close_date"] = strconv.FormatInt(p.CloseDate, 10)
	}
	o.applyCommon(fields)
	n.enqueue(task.New("sendPoll", fields, nil), "poll")
}

// Venue is a named place on the map.
type Venue struct {
	Latitude        float64
	Longitude       float64
	Title           string
	Address         string
	FoursquareID    string
	FoursquareType  string
	GooglePlaceID   string
	GooglePlaceType string
}

// SendVenue queues a venue.
func (n *Notifier) SendVenue(v Venue, opts ...SendOption) {
	o := buildSendOpts(opts)
	if v.Title == "" || v.Address == "" {
		n.log.Warn().Msg("venue needs a title and address; dropping")
		return
	}
	fields := map[string]string{
		"chat_id":   n.chatID,
		"latitude":  formatFloat(v.Latitude),
		"longitude": formatFloat(v.Longitude),
		"title":     v.Title,
		"address":   v.Address,
	}
	if v.FoursquareID != "" {
		fields["foursquare_id"] = v.FoursquareID
	}
	if v.FoursquareType != "" {
		fields["foursquare_type"] = v.FoursquareType
	}
	if v.GooglePlaceID != "" {
		fields["google_place_id"] = v.GooglePlaceID
	}
	if v.GooglePlaceType != "" {
		fields["google_place_type"] = v.GooglePlaceType
	}
	o.applyCommon(fields)
	n.enqueue(task.New("sendVenue", fields, nil), "venue")
}

// LabeledPrice is one line of an invoice's price breakdown, in the
// currency's smallest unit.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int    `json:"amount"`
}

// Invoice describes a payment request.
type Invoice struct {
	Title          string
	Description    string
	Payload        string
	ProviderToken  string
	Currency       string
	Prices         []LabeledPrice
	StartParameter string
	PhotoURL       string
	NeedName       bool
	NeedPhone      bool
	NeedEmail      bool
	NeedShipping   bool
	Flexible       bool
}

// SendInvoice queues a payment request.
func (n *Notifier) SendInvoice(inv Invoice, opts ...SendOption) {
	o := buildSendOpts(opts)
	if inv.Title == "" || inv.ProviderToken == "" || inv.Currency == "" || len(inv.Prices) == 0 {
		n.log.Warn().Msg("invoice needs title, provider token, currency and prices; dropping")
		return
	}
	prices, err := json.Marshal(inv.Prices)
	if err != nil {
		n.log.Error().Err(err).Msg("cannot encode invoice prices; dropping")
		return
	}
	fields := map[string]string{
		"chat_id":        n.chatID,
		"title":          inv.Title,
		"description":    inv.Description,
		"payload":        inv.Payload,
		"provider_token": inv.ProviderToken,
		"currency":       inv.Currency,
		"prices":         string(prices),
	}
	if inv.StartParameter != "" {
		fields["start_parameter"] = inv.StartParameter
	}
	if inv.PhotoURL != "" {
		fields["photo_url"] = inv.PhotoURL
	}
	setBool(fields, "need_name", inv.NeedName)
	setBool(fields, "need_phone_number", inv.NeedPhone)
	setBool(fields, "need_email", inv.NeedEmail)
	setBool(fields, "need_shipping_address", inv.NeedShipping)
	setBool(fields, "is_flexible", inv.Flexible)
	o.applyCommon(fields)
	n.enqueue(task.New("sendInvoice", fields, nil), "invoice")
}

func setBool(fields map[string]string, key string, v bool) {
	if v {
		fields[key] = "true"
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
