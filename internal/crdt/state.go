package crdt

// StateInfo summarizes serialized document state without merging it,
// letting callers inspect a remote document before deciding to merge.
type StateInfo struct {
	ID      string
	Deleted bool
	Vector  VersionVector
}

// InspectState validates and summarizes serialized state. Fails with
// ErrCorruptDelta on malformed bytes, same as a merge would.
func InspectState(data []byte) (StateInfo, error) {
	st, err := decodeState(data)
	if err != nil {
		return StateInfo{}, err
	}
	return StateInfo{ID: st.ID, Deleted: st.Deleted, Vector: st.Vector.clone()}, nil
}
