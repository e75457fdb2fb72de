package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/pkg/geospatial"
)

// buildSchema creates the GraphQL schema wired to our services.
func buildSchema(deps *Dependencies) (graphql.Schema, error) {
	geoPointType := graphql.NewObject(graphql.ObjectConfig{
		Name: "GeoPoint",
		Fields: graphql.Fields{
			"lat": &graphql.Field{Type: graphql.Float},
			"lon": &graphql.Field{Type: graphql.Float},
		},
	})

	profileType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Profile",
		Fields: graphql.Fields{
			"id":            &graphql.Field{Type: graphql.String},
			"display_name":  &graphql.Field{Type: graphql.String},
			"bio":           &graphql.Field{Type: graphql.String},
			"location":      &graphql.Field{Type: geoPointType},
			"online":        &graphql.Field{Type: graphql.Boolean},
			"seeking_now":   &graphql.Field{Type: graphql.Boolean},
			"host_friendly": &graphql.Field{Type: graphql.Boolean},
			"photo_urls":    &graphql.Field{Type: graphql.NewList(graphql.String)},
		},
	})

	nearbyProfileType := graphql.NewObject(graphql.ObjectConfig{
		Name: "NearbyProfile",
		Fields: graphql.Fields{
			"id":             &graphql.Field{Type: graphql.String},
			"display_name":   &graphql.Field{Type: graphql.String},
			"location":       &graphql.Field{Type: geoPointType},
			"online":         &graphql.Field{Type: graphql.Boolean},
			"seeking_now":    &graphql.Field{Type: graphql.Boolean},
			"host_friendly":  &graphql.Field{Type: graphql.Boolean},
			"distance":       &graphql.Field{Type: graphql.Float},
			"is_viewer":      &graphql.Field{Type: graphql.Boolean},
			"distance_label": &graphql.Field{Type: graphql.String},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"profile": &graphql.Field{
				Type:        profileType,
				Description: "Get a profile by id",
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					id := p.Args["id"].(string)
					return deps.Profiles.GetByID(p.Context, id)
				},
			},
			"nearby": &graphql.Field{
				Type:        graphql.NewList(nearbyProfileType),
				Description: "Resolve discoverable profiles around a position",
				Args: graphql.FieldConfigArgument{
					"viewer_id":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"lat":           &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
					"lon":           &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
					"radius":        &graphql.ArgumentConfig{Type: graphql.Float, DefaultValue: domain.DefaultRadiusMiles},
					"travel_mode":   &graphql.ArgumentConfig{Type: graphql.Boolean, DefaultValue: false},
					"online_only":   &graphql.ArgumentConfig{Type: graphql.Boolean, DefaultValue: false},
					"seeking_now":   &graphql.ArgumentConfig{Type: graphql.Boolean, DefaultValue: false},
					"host_friendly": &graphql.ArgumentConfig{Type: graphql.Boolean, DefaultValue: false},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					params := domain.DefaultSessionParams()
					params.RadiusMiles = p.Args["radius"].(float64)
					params.TravelMode = p.Args["travel_mode"].(bool)
					params.OnlineOnly = p.Args["online_only"].(bool)
					params.SeekingNowOnly = p.Args["seeking_now"].(bool)
					params.HostFriendlyOnly = p.Args["host_friendly"].(bool)

					res, err := deps.Resolver.Resolve(p.Context, domain.ViewerContext{
						ViewerID: p.Args["viewer_id"].(string),
						Origin: &domain.GeoPoint{
							Lat: p.Args["lat"].(float64),
							Lon: p.Args["lon"].(float64),
						},
						Params: params,
					})
					if err != nil {
						return nil, err
					}
					// Convert to maps: embedded structs don't resolve by tag.
					var result []map[string]interface{}
					for _, np := range res.Profiles {
						m := map[string]interface{}{
							"id":             np.ID,
							"display_name":   np.DisplayName,
							"online":         np.Online,
							"seeking_now":    np.SeekingNow,
							"host_friendly":  np.HostFriendly,
							"is_viewer":      np.IsViewer,
							"distance_label": geospatial.FormatDistance(np.Distance),
						}
						if np.Location != nil {
							m["location"] = np.Location
						}
						if np.Distance != nil {
							m["distance"] = *np.Distance
						}
						result = append(result, m)
					}
					return result, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
}

// GraphQLHandler serves the GraphQL endpoint.
func GraphQLHandler(deps *Dependencies) fiber.Handler {
	schema, err := buildSchema(deps)
	if err != nil {
		// This would be a programming error in the schema definition
		panic("graphql schema build: " + err.Error())
	}

	type gqlRequest struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}

	return func(c *fiber.Ctx) error {
		var req gqlRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        c.Context(),
		})

		return c.JSON(result)
	}
}
