package tripsync

const travelSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"id": {"type": "string"},
		"name": {"type": "string", "minLength": 1},
		"currency": {"type": "string"}
	}
}`

const travelScopedSchema = `{
	"type": "object",
	"required": ["travelId"],
	"properties": {
		"id": {"type": "string"},
		"travelId": {"type": "string", "minLength": 1}
	}
}`

// DefaultRouters returns the standard router set: travels own the membership
// aggregate, everything else hangs off a travel via its travelId field.
func DefaultRouters() []RouterConfig {
	scoped := func(name string) RouterConfig {
		return RouterConfig{
			Name:        name,
			Schema:      MustCompileSchema(name+".json", travelScopedSchema),
			AggregateOf: AggregateField("travelId"),
		}
	}
	return []RouterConfig{
		{
			Name:          "travels",
			Schema:        MustCompileSchema("travels.json", travelSchema),
			SelfAggregate: true,
		},
		scoped("transactions"),
		scoped("categories"),
		scoped("places"),
		scoped("budgets"),
	}
}
