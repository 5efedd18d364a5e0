//go:build !linux

package tags

import "nanokern.dev/event"

func setHostTags(tmpl *event.Event) {}
