package seed

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"

	"github.com/parquet-go/parquet-go"
)

// Book is one row of the demo books table.
type Book struct {
	ID            int64   `parquet:"id"`
	Title         string  `parquet:"title"`
	Author        string  `parquet:"author"`
	Genre         string  `parquet:"genre"`
	PublishedYear int32   `parquet:"published_year"`
	Pages         int32   `parquet:"pages"`
	Rating        float64 `parquet:"rating"`
	Price         float64 `parquet:"price"`
}

var (
	authors = []string{
		"Ursula K. Le Guin", "Octavia E. Butler", "Gabriel Garcia Marquez", "Toni Morrison",
		"Haruki Murakami", "Chimamanda Ngozi Adichie", "Kazuo Ishiguro", "Margaret Atwood",
		"Italo Calvino", "Jorge Luis Borges",
	}
	genres      = []string{"fiction", "science fiction", "fantasy", "mystery", "history", "biography", "poetry"}
	titleFirst  = []string{"The", "A", "Silent", "Last", "Hidden", "Burning", "Distant", "Broken"}
	titleSecond = []string{"River", "Garden", "Archive", "Winter", "Machine", "Harbor", "Kingdom", "Letters"}
)

type Generator struct {
	rnd      *rand.Rand
	sequence int64
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *Generator) NextBook() Book {
	g.sequence++
	return Book{
		ID:            g.sequence,
		Title:         pickOne(g.rnd, titleFirst) + " " + pickOne(g.rnd, titleSecond),
		Author:        pickOne(g.rnd, authors),
		Genre:         pickOne(g.rnd, genres),
		PublishedYear: int32(1900 + g.rnd.Intn(125)),
		Pages:         int32(90 + g.rnd.Intn(800)),
		Rating:        round2(1 + g.rnd.Float64()*4),
		Price:         round2(4.99 + g.rnd.Float64()*45),
	}
}

func (g *Generator) Books(n int) []Book {
	books := make([]Book, 0, n)
	for i := 0; i < n; i++ {
		books = append(books, g.NextBook())
	}
	return books
}

type ParquetEncodeResult struct {
	Data        []byte
	RecordCount int64
}

func EncodeParquet(books []Book) (ParquetEncodeResult, error) {
	if len(books) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("books are required")
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[Book](buf)
	if _, err := writer.Write(books); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}
	return ParquetEncodeResult{Data: buf.Bytes(), RecordCount: int64(len(books))}, nil
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
