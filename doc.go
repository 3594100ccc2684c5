/*
Package emberkv gives Go tests a private, embedded key-value database.

An Extension starts one engine per test scope, but only once the scope first
asks for something, and shuts it down when the scope ends. Each engine is an
embedded PostgreSQL server in its own runtime directory and on its own port.
On top of it sit a key-value data client (kv.Client) and a change feed client
(streams.Client). Both pgx and database/sql pools are available too.

Example:

	var ext = func() *emberkv.Extension {
		x, err := emberkv.New(config.DefaultConfig())
		if err != nil {
			panic(err)
		}
		return x
	}()

	func TestOrders(t *testing.T) {
		scope := ext.Use(t) // engine is shut down in t.Cleanup
		db := emberkv.MustResolve[*kv.Client](t, scope)

		_, err := db.CreateTable(ctx, kv.CreateTableInput{
			TableName: "orders",
			HashKey:   kv.KeyElement{Name: "id", Type: kv.TypeString},
		})
		...
	}

Every value resolved within one scope comes from the same engine. Values of
different scopes, including a test and its subtests, never share an engine.
*/
package emberkv
