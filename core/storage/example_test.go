package storage_test

import (
	"fmt"

	"github.com/FocuswithJustin/pagestore/core/storage"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

func ExampleOpen() {
	conn, err := storage.Open("books.db", storage.Options{
		VFS:    storage.NewMemoryVFS(),
		Logger: logging.Discard(),
	})
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	if err := conn.BeginTrans(true); err != nil {
		panic(err)
	}
	root, err := conn.CreateTable(storage.BlobKey)
	if err != nil {
		panic(err)
	}
	c, err := conn.Cursor(root, true)
	if err != nil {
		panic(err)
	}
	for _, k := range []string{"mark", "john", "luke", "matthew"} {
		if err := c.Insert(storage.Payload{Key: []byte(k)}, false); err != nil {
			panic(err)
		}
	}
	c.Close()
	if err := conn.Commit(); err != nil {
		panic(err)
	}

	if err := conn.BeginTrans(false); err != nil {
		panic(err)
	}
	c, err = conn.Cursor(root, false)
	if err != nil {
		panic(err)
	}
	for err = c.First(); err == nil && !c.Eof(); err = c.Next() {
		key, _ := c.Key()
		fmt.Println(string(key))
	}
	c.Close()
	conn.Commit()
	// Output:
	// john
	// luke
	// mark
	// matthew
}
