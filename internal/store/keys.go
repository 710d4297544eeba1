package store

const keyPrefix = "phishlookup:"

const (
	urlsKey   = keyPrefix + "urls"
	recordKey = keyPrefix + "url:"
)

// Family is one of the secondary indexes URLs are grouped by.
type Family int

const (
	FamilyIP Family = iota
	FamilyASN
	FamilyCC
)

var Families = []Family{FamilyIP, FamilyASN, FamilyCC}

func (f Family) String() string {
	switch f {
	case FamilyIP:
		return "ip"
	case FamilyASN:
		return "asn"
	case FamilyCC:
		return "cc"
	default:
		return "unknown"
	}
}

// umbrellaKey is the sorted set holding every key seen for the family.
func (f Family) umbrellaKey() string {
	return keyPrefix + f.String() + "s"
}

// indexKey is the sorted set of URLs associated with value.
func (f Family) indexKey(value string) string {
	return keyPrefix + f.String() + ":" + value
}

func urlRecordKey(url string) string {
	return recordKey + url
}
