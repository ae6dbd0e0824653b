package pager_test

import (
	"fmt"
	"log"

	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

func Example() {
	fs := vfs.NewMemory()
	p, err := pager.Open(fs, "example.db", pager.Config{PageSize: 1024, Logger: logging.Discard()})
	if err != nil {
		log.Fatal(err)
	}
	defer p.Close()

	if err := p.Begin(false); err != nil {
		log.Fatal(err)
	}
	page, err := p.Get(2)
	if err != nil {
		log.Fatal(err)
	}
	if err := p.Write(page); err != nil {
		log.Fatal(err)
	}
	copy(page.Data, "Hello, pages")
	p.Unref(page)
	if err := p.Commit(); err != nil {
		log.Fatal(err)
	}

	page, err = p.Get(2)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(page.Data[:12]))
	fmt.Println(p.PageCount())
	p.Unref(page)
	// Output:
	// Hello, pages
	// 2
}

func Example_rollback() {
	fs := vfs.NewMemory()
	p, err := pager.Open(fs, "example.db", pager.Config{PageSize: 1024, Logger: logging.Discard()})
	if err != nil {
		log.Fatal(err)
	}
	defer p.Close()

	if err := p.Begin(false); err != nil {
		log.Fatal(err)
	}
	page, _ := p.Get(1)
	p.Write(page)
	copy(page.Data[100:], "first")
	p.Unref(page)
	p.Commit()

	p.Begin(false)
	page, _ = p.Get(1)
	p.Write(page)
	copy(page.Data[100:], "oops!")
	p.Unref(page)
	p.Rollback()

	page, _ = p.Get(1)
	fmt.Println(string(page.Data[100:105]))
	p.Unref(page)
	// Output: first
}
