package configstore

// Store loads and saves a configuration document.
type Store interface {
	Load(out any) error
	Save(in any) error
}
