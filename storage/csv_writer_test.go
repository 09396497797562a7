package storage

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"carwatch/models"
)

func TestCSVWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "raw.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	scraped := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	err = w.WriteRaw([]*models.RawListing{
		{Source: "craigslist", ExternalID: "cl_1", Title: `2018 Civic, "clean"`, RawPrice: "$15,500", URL: "https://x.test/1", ScrapedAt: scraped},
		{Source: "ksl", ExternalID: "ksl_2", Title: "Tacoma", RawMileage: "65k miles", ScrapedAt: scraped},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	if len(rows) != 3 {
		t.Fatalf("rows = %d; want header plus 2", len(rows))
	}
	if rows[0][0] != "source" || rows[0][8] != "scraped_at" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][2] != `2018 Civic, "clean"` || rows[1][3] != "$15,500" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][5] != "65k miles" || rows[2][8] != "2024-03-01T02:00:00Z" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestCSVWriterAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	for i := 0; i < 2; i++ {
		w, err := NewCSVWriter(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.WriteRaw([]*models.RawListing{{Source: "craigslist", ExternalID: "cl_1"}}); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "source" || rows[2][1] != "cl_1" {
		t.Errorf("rows = %v; want one header and two data rows", rows)
	}
}
