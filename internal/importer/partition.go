package importer

import (
	"strings"

	"github.com/charmbracelet/log"

	"phishlookup/internal/domain"
	"phishlookup/internal/store"
)

// Partition normalizes the URLs of entries and groups them by IP, ASN and
// country code in a single pass. A URL appearing twice keeps its last entry.
// Empty index values are not indexed. Entries keep every key they arrived
// with. A details list that does not decode is stored as sent but not
// indexed. enrich may be nil; the second result is the number of details it
// completed.
func Partition(entries []domain.Entry, enrich func(*domain.Detail) bool) (store.Batch, int) {
	byIP := make(map[string][]string)
	byASN := make(map[string][]string)
	byCC := make(map[string][]string)

	position := make(map[string]int, len(entries))
	unique := make([]domain.Entry, 0, len(entries))
	enriched := 0

	for _, source := range entries {
		url := domain.NormalizeURL(source.URL)
		if url == "" {
			continue
		}
		entry := source.WithURL(url)

		if enrich != nil {
			n, err := entry.PatchDetails(enrich)
			if err != nil {
				log.Warn("Details not enriched", "url", url, "error", err)
			}
			enriched += n
		}

		details, err := entry.Details()
		if err != nil {
			log.Warn("Details not indexed", "url", url, "error", err)
		}
		for _, d := range details {
			appendIndex(byIP, string(d.IPAddress), url)
			appendIndex(byASN, string(d.AnnouncingNetwork), url)
			appendIndex(byCC, string(d.Country), url)
		}

		if idx, seen := position[url]; seen {
			unique[idx] = entry
			continue
		}
		position[url] = len(unique)
		unique = append(unique, entry)
	}

	return store.Batch{
		Entries: unique,
		Index: map[store.Family]map[string][]string{
			store.FamilyIP:  byIP,
			store.FamilyASN: byASN,
			store.FamilyCC:  byCC,
		},
	}, enriched
}

func appendIndex(index map[string][]string, value, url string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	index[value] = append(index[value], url)
}
