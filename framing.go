package whisper

import (
	"fmt"
	"math/rand"
	"time"
)

// Every outgoing text and caption is wrapped with a fixed title line
// and a UTC timestamp line. The framing is applied before
// fingerprinting, so two identical bodies sent in different seconds
// are different messages as far as the duplicate cache is concerned.
const (
	frameTitle  = "Whisper"
	titlePrefix = "📢"
	titleSuffix = "📢"
	timePrefix  = "🕒"
	timeSuffix  = "🕒"

	timeLayout = "2006-01-02 | 15:04:05"
)

var connectionMessages = []string{
	"Connection established. Whispering on the air.",
	"Link up. Notifications will follow.",
	"Channel open. Listening for events.",
	"Reporting in. The dispatcher is awake.",
}

func formattedTitle() string {
	return fmt.Sprintf("%s %s %s", titlePrefix, frameTitle, titleSuffix)
}

func formattedTime(now time.Time) string {
	return fmt.Sprintf("%s %s | GMT %s", timePrefix, now.UTC().Format(timeLayout), timeSuffix)
}

// frame wraps body between the title and timestamp lines.
func frame(body string, now time.Time) string {
	return formattedTitle() + "\n" + body + "\n" + formattedTime(now)
}

func connectionMessage() string {
	return connectionMessages[rand.Intn(len(connectionMessages))]
}
