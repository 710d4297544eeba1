package graphql

import (
	"context"
	"encoding/json"
	"fmt"

	gql "github.com/graphql-go/graphql"

	"phishlookup/internal/domain"
	"phishlookup/internal/store"
)

// Source is the read side of the store the schema resolves against.
type Source interface {
	Entry(ctx context.Context, url string) (domain.Entry, bool, error)
	URLs(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, f store.Family) ([]string, error)
	URLsBy(ctx context.Context, f store.Family, value string) ([]string, error)
	Counts(ctx context.Context) (store.Counts, error)
}

func NewSchema(source Source) (gql.Schema, error) {
	if source == nil {
		return gql.Schema{}, fmt.Errorf("graphql: nil source")
	}

	detailType := gql.NewObject(gql.ObjectConfig{
		Name: "Detail",
		Fields: gql.Fields{
			"ipAddress":         &gql.Field{Type: gql.NewNonNull(gql.String)},
			"cidrBlock":         &gql.Field{Type: gql.NewNonNull(gql.String)},
			"announcingNetwork": &gql.Field{Type: gql.NewNonNull(gql.String)},
			"rir":               &gql.Field{Type: gql.NewNonNull(gql.String)},
			"country":           &gql.Field{Type: gql.NewNonNull(gql.String)},
			"detailTime":        &gql.Field{Type: gql.NewNonNull(gql.String)},
			"json":              &gql.Field{Type: gql.NewNonNull(gql.String)},
		},
	})

	entryType := gql.NewObject(gql.ObjectConfig{
		Name: "Entry",
		Fields: gql.Fields{
			"phishId":          &gql.Field{Type: gql.NewNonNull(gql.String)},
			"url":              &gql.Field{Type: gql.NewNonNull(gql.String)},
			"phishDetailUrl":   &gql.Field{Type: gql.NewNonNull(gql.String)},
			"submissionTime":   &gql.Field{Type: gql.NewNonNull(gql.String)},
			"verified":         &gql.Field{Type: gql.NewNonNull(gql.String)},
			"verificationTime": &gql.Field{Type: gql.NewNonNull(gql.String)},
			"online":           &gql.Field{Type: gql.NewNonNull(gql.String)},
			"target":           &gql.Field{Type: gql.NewNonNull(gql.String)},
			"details":          &gql.Field{Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(detailType)))},
			"json":             &gql.Field{Type: gql.NewNonNull(gql.String)},
		},
	})

	statsType := gql.NewObject(gql.ObjectConfig{
		Name: "Stats",
		Fields: gql.Fields{
			"urls": &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"ips":  &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"asns": &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"ccs":  &gql.Field{Type: gql.NewNonNull(gql.Int)},
		},
	})

	stringList := gql.NewNonNull(gql.NewList(gql.NewNonNull(gql.String)))

	listField := func(f store.Family) *gql.Field {
		return &gql.Field{
			Type: stringList,
			Resolve: func(p gql.ResolveParams) (interface{}, error) {
				return source.Keys(p.Context, f)
			},
		}
	}

	byField := func(f store.Family, arg string) *gql.Field {
		return &gql.Field{
			Type: stringList,
			Args: gql.FieldConfigArgument{
				arg: &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
			},
			Resolve: func(p gql.ResolveParams) (interface{}, error) {
				value, _ := p.Args[arg].(string)
				if value == "" {
					return []string{}, nil
				}
				return source.URLsBy(p.Context, f, value)
			},
		}
	}

	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"entry": &gql.Field{
				Type: entryType,
				Args: gql.FieldConfigArgument{
					"url": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					url, _ := p.Args["url"].(string)
					entry, ok, err := source.Entry(p.Context, url)
					if err != nil || !ok {
						return nil, err
					}
					return entryView(entry)
				},
			},
			"urls": &gql.Field{
				Type: stringList,
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					return source.URLs(p.Context)
				},
			},
			"ips":       listField(store.FamilyIP),
			"asns":      listField(store.FamilyASN),
			"ccs":       listField(store.FamilyCC),
			"urlsByIp":  byField(store.FamilyIP, "ip"),
			"urlsByAsn": byField(store.FamilyASN, "asn"),
			"urlsByCc":  byField(store.FamilyCC, "cc"),
			"stats": &gql.Field{
				Type: gql.NewNonNull(statsType),
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					counts, err := source.Counts(p.Context)
					if err != nil {
						return nil, err
					}
					return map[string]interface{}{
						"urls": int(counts.URLs),
						"ips":  int(counts.IPs),
						"asns": int(counts.ASNs),
						"ccs":  int(counts.CCs),
					}, nil
				},
			},
		},
	})

	return gql.NewSchema(gql.SchemaConfig{Query: queryType})
}

// entryView exposes the usual feed keys by name. The json fields carry the
// whole object, keys the schema does not name included.
func entryView(e domain.Entry) (map[string]interface{}, error) {
	objects, err := e.DetailObjects()
	if err != nil {
		return nil, err
	}
	details := make([]map[string]interface{}, 0, len(objects))
	for _, d := range objects {
		encoded, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		details = append(details, map[string]interface{}{
			"ipAddress":         domain.Scalar(d["ip_address"]),
			"cidrBlock":         domain.Scalar(d["cidr_block"]),
			"announcingNetwork": domain.Scalar(d["announcing_network"]),
			"rir":               domain.Scalar(d["rir"]),
			"country":           domain.Scalar(d["country"]),
			"detailTime":        domain.Scalar(d["detail_time"]),
			"json":              string(encoded),
		})
	}

	encoded, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"phishId":          e.Value(domain.FieldPhishID),
		"url":              e.URL,
		"phishDetailUrl":   e.Value(domain.FieldPhishDetailURL),
		"submissionTime":   e.Value("submission_time"),
		"verified":         e.Value("verified"),
		"verificationTime": e.Value(domain.FieldVerificationTime),
		"online":           e.Value("online"),
		"target":           e.Value(domain.FieldTarget),
		"details":          details,
		"json":             string(encoded),
	}, nil
}
