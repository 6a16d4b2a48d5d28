package acquire

// Example is one downloadable sample database.
type Example struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	Description string `json:"description"`
}

func DefaultCatalog() []Example {
	return []Example{
		{
			Name:        "chinook",
			Title:       "Chinook",
			URL:         "https://github.com/lerocha/chinook-database/raw/master/ChinookDatabase/DataSources/Chinook_Sqlite.sqlite",
			Filename:    "Chinook_Sqlite.sqlite",
			Description: "Digital music store with artists, albums, tracks, customers and invoices.",
		},
		{
			Name:        "northwind",
			Title:       "Northwind",
			URL:         "https://github.com/jpwhite3/northwind-SQLite3/raw/master/Northwind_large.sqlite",
			Filename:    "Northwind.sqlite",
			Description: "Trading company with products, orders, customers and employees.",
		},
		{
			Name:        "sakila",
			Title:       "Sakila",
			URL:         "https://github.com/bradleygrant/sakila-sqlite3/raw/master/sakila.sqlite",
			Filename:    "Sakila.sqlite",
			Description: "Film rental business with actors, films and rentals.",
		},
	}
}
