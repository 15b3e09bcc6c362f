package consensus

import (
	"slices"

	"epidemic_consensus/internal/dataType"
)

// Digest returns per-key metadata without values.
func (l *Ledger) Digest() dataType.Digest {
	d := make(dataType.Digest, len(l.items))
	for key, it := range l.items {
		d[key] = dataType.DigestEntry{
			Version:   it.Version,
			Timestamp: it.Timestamp.UnixMilli(),
			Converged: it.Converged,
		}
	}
	return d
}

// Diff returns the sorted keys for which local is behind remote: the remote
// version is greater, or the key is missing locally.
func Diff(local, remote dataType.Digest) []string {
	var out []string
	for key, r := range remote {
		l, ok := local[key]
		if !ok || r.Version > l.Version {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

// SupportGap returns keys held at the same version on both sides that are
// converged in local but not in remote. Pushing them lets remote absorb the
// supporter set it is missing.
func SupportGap(local, remote dataType.Digest) []string {
	var out []string
	for key, l := range local {
		r, ok := remote[key]
		if ok && r.Version == l.Version && l.Converged && !r.Converged {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}
