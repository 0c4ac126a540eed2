package commit

import "github.com/cdkamat/hammerspace/wal"

// BitmapReplayer reapplies ALLOC/FREE records to a Bitmap during wal.Replay
// and forwards every other opcode to Next, if set (§4.C: "ALLOC/FREE
// reapply to the bitmap; UPDATE/IROOT/REDIRECT reapply to B-tree shapes" —
// those three are the owning B-tree's concern, not the commit engine's).
type BitmapReplayer struct {
	Bitmap *Bitmap
	Next   wal.Replayer
}

func (r *BitmapReplayer) OnAlloc(rec wal.AllocRecord) error {
	return r.Bitmap.Apply(rec.Block, rec.Count, rec.Alloc)
}

func (r *BitmapReplayer) OnUpdate(rec wal.UpdateRecord) error {
	if r.Next != nil {
		return r.Next.OnUpdate(rec)
	}
	return nil
}

func (r *BitmapReplayer) OnIRoot(rec wal.IRootRecord) error {
	if r.Next != nil {
		return r.Next.OnIRoot(rec)
	}
	return nil
}

func (r *BitmapReplayer) OnRedirect(rec wal.RedirectRecord) error {
	if r.Next != nil {
		return r.Next.OnRedirect(rec)
	}
	return nil
}
