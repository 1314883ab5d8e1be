package batch

import (
	"fmt"
	"os"

	"github.com/ubuntu/decorate"

	"example.com/photodate/internal/common"
)

// UndoOutcome reports what undo did for one image.
type UndoOutcome struct {
	Image    string `json:"image"`
	Backup   string `json:"backup,omitempty"`
	Restored bool   `json:"restored"`
	Reason   string `json:"reason,omitempty"`
}

// Undo restores images rewritten by the runs recorded in entries. For every
// image the newest entry must match the file on disk and the backup must
// match the entry that created it; otherwise the image is left alone.
func Undo(entries []common.PatchEntry) (out []UndoOutcome, err error) {
	defer decorate.OnError(&err, "undo")

	type history struct {
		newest common.PatchEntry
		oldest *common.PatchEntry
	}
	var order []string
	images := make(map[string]*history)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.DryRun {
			continue
		}
		h, ok := images[e.Image]
		if !ok {
			h = &history{newest: e}
			images[e.Image] = h
			order = append(order, e.Image)
		}
		if e.Backup != "" {
			h.oldest = &entries[i]
		}
	}

	for _, image := range order {
		h := images[image]
		outcome := UndoOutcome{Image: image}
		if h.oldest == nil {
			outcome.Reason = "no backup recorded"
			out = append(out, outcome)
			continue
		}
		outcome.Backup = h.oldest.Backup

		current, _, err := common.Sha256OfFile(image)
		if err != nil {
			outcome.Reason = fmt.Sprintf("hash image: %v", err)
			out = append(out, outcome)
			continue
		}
		if current != h.newest.AfterSha256 {
			outcome.Reason = "image changed since last run"
			out = append(out, outcome)
			continue
		}
		saved, _, err := common.Sha256OfFile(h.oldest.Backup)
		if err != nil {
			outcome.Reason = fmt.Sprintf("hash backup: %v", err)
			out = append(out, outcome)
			continue
		}
		if saved != h.oldest.BeforeSha256 {
			outcome.Reason = "backup does not match recorded original"
			out = append(out, outcome)
			continue
		}
		if err := os.Rename(h.oldest.Backup, image); err != nil {
			return out, err
		}
		outcome.Restored = true
		out = append(out, outcome)
	}
	return out, nil
}
