package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}

// ParsePage parses an optional 1-based page number.
func ParsePage(arg string) (int, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(arg)
	if err != nil || page < 1 {
		return 0, fmt.Errorf("invalid page %q", arg)
	}
	return page, nil
}

// ParseItemsArgs parses "/items [channel_id] [page]". A zero channel ID means
// all subscribed channels.
func ParseItemsArgs(args string) (int64, int, error) {
	parts := strings.Fields(args)
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("usage: /items [channel_id] [page]")
	}
	var channelID int64
	page := 1
	if len(parts) >= 1 {
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || id < 0 {
			return 0, 0, fmt.Errorf("invalid channel ID %q", parts[0])
		}
		channelID = id
	}
	if len(parts) == 2 {
		p, err := ParsePage(parts[1])
		if err != nil {
			return 0, 0, err
		}
		page = p
	}
	return channelID, page, nil
}

// ParseSaveArg tells an item ID from a link in "/save <item_id|link>".
func ParseSaveArg(args string) (int64, string, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, "", fmt.Errorf("usage: /save <item_id|link>")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id <= 0 {
			return 0, "", fmt.Errorf("invalid ID %q", s)
		}
		return id, "", nil
	}
	if strings.ContainsAny(s, " \t\n") {
		return 0, "", fmt.Errorf("usage: /save <item_id|link>")
	}
	return 0, s, nil
}

// ParseIntervalArgs parses "/interval <channel_id> <minutes>".
func ParseIntervalArgs(args string) (int64, int, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("usage: /interval <channel_id> <minutes>")
	}
	id, err := ParseIDArg(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minutes %q", parts[1])
	}
	return id, minutes, nil
}
