package chat

import "time"

// ItemKind distinguishes timeline rows.
type ItemKind string

const (
	ItemMessage      ItemKind = "message"
	ItemDaySeparator ItemKind = "day_separator"
)

// TimelineItem is one row of a rendered conversation: a message or a
// separator announcing a new calendar day.
type TimelineItem struct {
	Kind    ItemKind  `json:"kind"`
	Day     time.Time `json:"day,omitzero"`
	Message *Message  `json:"message,omitempty"`
}

// BuildTimeline interleaves day separators with msgs, which must already be
// in creation order. A separator precedes every message whose local calendar
// day in loc differs from the previous message's. Nil loc means time.Local.
func BuildTimeline(msgs []Message, loc *time.Location) []TimelineItem {
	if loc == nil {
		loc = time.Local
	}
	items := make([]TimelineItem, 0, len(msgs)+1)
	var prev time.Time
	for i := range msgs {
		day := localDay(msgs[i].CreatedAt, loc)
		if i > 0 && !day.Equal(prev) {
			items = append(items, TimelineItem{Kind: ItemDaySeparator, Day: day})
		}
		prev = day
		items = append(items, TimelineItem{Kind: ItemMessage, Message: &msgs[i]})
	}
	return items
}

func localDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
