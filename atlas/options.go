package atlas

import "github.com/veiloq/emberkv/config"

// WithAtlas migrates every engine with the directory named in the atlas.hcl
// file set by config.WithAtlasHCLPath ("atlas.hcl" by default). It must come
// after config.WithAtlasHCLPath in the option list.
func WithAtlas() config.Option {
	return func(sts *config.Settings) {
		sts.SetMigrator(NewMigrator(sts.AtlasHCLPath()))
	}
}
