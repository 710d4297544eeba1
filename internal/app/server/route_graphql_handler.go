package server

import (
	"net/http"

	"github.com/charmbracelet/log"
	gqlhandler "github.com/graphql-go/handler"

	gqlschema "phishlookup/internal/graphql"
)

func (s *Server) getGraphQLHandler() (http.Handler, error) {
	s.graphQLOnce.Do(func() {
		schema, err := gqlschema.NewSchema(s.lookup)
		if err != nil {
			s.graphQLErr = err
			return
		}

		s.graphQLHandler = gqlhandler.New(&gqlhandler.Config{
			Schema:   &schema,
			Pretty:   true,
			GraphiQL: false,
		})
	})

	return s.graphQLHandler, s.graphQLErr
}

func (s *Server) graphQL(w http.ResponseWriter, r *http.Request) {
	handler, err := s.getGraphQLHandler()
	if err != nil {
		log.Error("GraphQL schema unavailable", "error", err)
		writeError(w, "graphql unavailable", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}
