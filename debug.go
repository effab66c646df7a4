package btreclaim

import (
	"btreclaim/internal/base"
)

// dumpPage logs a page's header and utilization stats. No-op under the
// default DiscardLogger.
func (idx *Index) dumpPage(msg string, p *base.Page) {
	h := p.Header()
	idx.logger.Info(msg,
		"page", h.PageID,
		"level", h.Level,
		"flags", flagString(p),
		"items", h.NumItems,
		"live", p.LiveItemCount(),
		"used", p.UsedBytes(),
		"free", p.FreeSpace(),
		"prev", h.PrevSib,
		"next", h.NextSib,
		"txn", h.TxnID,
	)
}

func flagString(p *base.Page) string {
	s := ""
	if p.IsLeaf() {
		s += "L"
	}
	if p.IsRightmost() {
		s += "R"
	}
	if p.IsDeleted() {
		s += "D"
	}
	if p.IsHalfDead() {
		s += "H"
	}
	if s == "" {
		s = "-"
	}
	return s
}
