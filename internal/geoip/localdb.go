package geoip

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/google/btree"
)

type rangeNode struct {
	start netip.Addr
	end   netip.Addr
	loc   Location
}

func lessRange(a, b rangeNode) bool {
	return a.start.Less(b.start)
}

// LocalDB resolves addresses from a range file with rows
// start_ip,end_ip,country[,region]. Ranges must not overlap.
type LocalDB struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[rangeNode]
}

func NewLocalDB() *LocalDB {
	return &LocalDB{tree: btree.NewG(2, lessRange)}
}

func OpenLocalDB(path string) (*LocalDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	db := NewLocalDB()
	if err := db.Load(f); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return db, nil
}

// Load replaces the database contents. On error the previous contents stay.
func (db *LocalDB) Load(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	tree := btree.NewG(2, lessRange)
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return err
		}
		if len(record) < 3 {
			return fmt.Errorf("line %d: expected start_ip,end_ip,country[,region]", line)
		}
		node, err := parseRange(record)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := checkOverlap(tree, node); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		tree.ReplaceOrInsert(node)
	}
	db.mu.Lock()
	db.tree = tree
	db.mu.Unlock()
	return nil
}

func parseRange(record []string) (rangeNode, error) {
	start, err := netip.ParseAddr(strings.TrimSpace(record[0]))
	if err != nil {
		return rangeNode{}, err
	}
	end, err := netip.ParseAddr(strings.TrimSpace(record[1]))
	if err != nil {
		return rangeNode{}, err
	}
	start, end = start.Unmap(), end.Unmap()
	if start.Is4() != end.Is4() {
		return rangeNode{}, errors.New("range mixes address families")
	}
	if end.Less(start) {
		return rangeNode{}, fmt.Errorf("start %s greater than end %s", start, end)
	}
	loc := Location{Country: upper(record[2])}
	if len(record) > 3 {
		loc.Region = upper(record[3])
	}
	if loc.Country == "" {
		return rangeNode{}, errors.New("missing country code")
	}
	return rangeNode{start: start, end: end, loc: loc}, nil
}

func checkOverlap(tree *btree.BTreeG[rangeNode], node rangeNode) error {
	var err error
	tree.DescendLessOrEqual(rangeNode{start: node.end}, func(prev rangeNode) bool {
		if !prev.end.Less(node.start) {
			err = fmt.Errorf("range %s-%s overlaps %s-%s", node.start, node.end, prev.start, prev.end)
		}
		return false
	})
	return err
}

func (db *LocalDB) Name() string { return "localdb" }

func (db *LocalDB) Resolve(_ context.Context, ip string) (Location, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Location{}, err
	}
	addr = addr.Unmap()
	db.mu.RLock()
	defer db.mu.RUnlock()
	var (
		loc   Location
		found bool
	)
	db.tree.DescendLessOrEqual(rangeNode{start: addr}, func(n rangeNode) bool {
		if n.start.Is4() == addr.Is4() && !n.end.Less(addr) {
			loc, found = n.loc, true
		}
		return false
	})
	if !found {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

func (db *LocalDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tree.Len()
}
