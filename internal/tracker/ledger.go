package tracker

import "sort"

// Ledger maps aggregation keys to accumulated whole seconds.
type Ledger map[string]int64

func (l Ledger) add(key string, seconds int64) {
	if seconds <= 0 {
		return
	}
	l[key] += seconds
}

func (l Ledger) clone() map[string]int64 {
	out := make(map[string]int64, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// pending returns every positive entry, sorted by key so batches are
// deterministic.
func (l Ledger) pending() []Entry {
	keys := make([]string, 0, len(l))
	for k, v := range l {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	batch := make([]Entry, 0, len(keys))
	for _, k := range keys {
		url, title := SplitKey(k)
		batch = append(batch, Entry{URL: url, Title: title, Duration: l[k]})
	}
	return batch
}

// release removes the delivered amounts. Seconds accrued on the same key
// after the snapshot stay in the ledger.
func (l Ledger) release(batch []Entry) {
	for _, e := range batch {
		key := e.URL + keySeparator + e.Title
		remaining := l[key] - e.Duration
		if remaining > 0 {
			l[key] = remaining
		} else {
			delete(l, key)
		}
	}
}

// Total sums every entry.
func (l Ledger) Total() int64 {
	var total int64
	for _, v := range l {
		total += v
	}
	return total
}
