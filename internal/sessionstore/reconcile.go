package sessionstore

// Reconcile filters every session's SelectedDocs down to the documents in
// existing. Sessions that already reference only existing documents are
// not rewritten. It returns the number of sessions changed.
func Reconcile(s *Store, existing []string) (int, error) {
	live := make(map[string]bool, len(existing))
	for _, src := range existing {
		live[src] = true
	}

	changed := 0
	for _, sess := range s.Sessions() {
		if !hasStale(sess.SelectedDocs, live) {
			continue
		}
		ok, err := s.UpdateFunc(sess.ID, func(cur Session) Patch {
			kept := make([]string, 0, len(cur.SelectedDocs))
			for _, d := range cur.SelectedDocs {
				if live[d] {
					kept = append(kept, d)
				}
			}
			return Patch{SelectedDocs: &kept}
		})
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func hasStale(docs []string, live map[string]bool) bool {
	for _, d := range docs {
		if !live[d] {
			return true
		}
	}
	return false
}
