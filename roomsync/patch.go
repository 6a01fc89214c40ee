package roomsync

// ApplyPatches is the reference client-side reducer: it applies a patch
// set, in order, to a flat path-keyed document. Applying the patch sets of
// N consecutive sync cycles to the generation-0 document reproduces the
// server's generation-N snapshot for that recipient.
func ApplyPatches(doc map[string]any, patches []Patch) map[string]any {
	if doc == nil {
		doc = map[string]any{}
	}
	for _, patch := range patches {
		switch patch.Op {
		case PatchOpSet:
			doc[patch.Path] = patch.Value
		case PatchOpDelete:
			delete(doc, patch.Path)
		}
	}
	return doc
}

// SnapshotDocument flattens a snapshot into the document form used by
// ApplyPatches.
func SnapshotDocument(snapshot *Snapshot) map[string]any {
	doc := map[string]any{}
	for _, path := range snapshot.Paths() {
		doc[path] = snapshot.values[path]
	}
	return doc
}
