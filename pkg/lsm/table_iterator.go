package lsm

// indexFrame is one level of a table iterator's path from the root.
type indexFrame struct {
	block *IndexBlock
	pos   int
}

// tableIterator walks a file table block by block. It holds a reference on
// every index block along its current path and on the current tuple block.
type tableIterator struct {
	t       *FileTable
	reverse bool
	stack   []indexFrame
	block   *TupleBlock
	pos     int
	cur     Tuple
	err     error
	done    bool
}

func newTableIterator(t *FileTable, from *Key, reverse bool) *tableIterator {
	it := &tableIterator{t: t, reverse: reverse}
	if err := it.seek(from); err != nil {
		it.err = err
		it.release()
	}
	return it
}

func (it *tableIterator) step() int {
	if it.reverse {
		return -1
	}
	return 1
}

// start is the position to begin at in a block of n entries when no key
// positions the iterator.
func (it *tableIterator) start(n int) int {
	if it.reverse {
		return n - 1
	}
	return 0
}

func (it *tableIterator) seek(from *Key) error {
	height := it.t.IndexHeight()
	blk := it.t.root.Retain()
	for level := height; level >= 1; level-- {
		i := it.start(blk.Len())
		if from != nil {
			i = blk.Find(*from)
		}
		it.stack = append(it.stack, indexFrame{block: blk, pos: i})
		ptr, err := blk.Pointer(i)
		if err != nil {
			return it.t.fail("scan", err)
		}

		if level == 1 {
			tb, err := it.loadTuple(ptr)
			if err != nil {
				return err
			}
			it.block = tb
			switch {
			case from == nil:
				it.pos = it.start(tb.Len())
			case it.reverse:
				it.pos = tb.floor(*from)
			default:
				it.pos = tb.ceiling(*from)
			}
			return nil
		}

		if blk, err = it.loadIndex(ptr); err != nil {
			return err
		}
	}
	return nil
}

func (it *tableIterator) loadTuple(ptr BlockPointer) (*TupleBlock, error) {
	if it.t.closed.Load() {
		return nil, NewError("scan", KindClosed).Table(it.t.id).Err()
	}
	b, err := it.t.loadTupleBlock(ptr)
	if err != nil {
		return nil, it.t.fail("scan", err)
	}
	return b, nil
}

func (it *tableIterator) loadIndex(ptr BlockPointer) (*IndexBlock, error) {
	if it.t.closed.Load() {
		return nil, NewError("scan", KindClosed).Table(it.t.id).Err()
	}
	b, err := it.t.loadIndexBlock(ptr)
	if err != nil {
		return nil, it.t.fail("scan", err)
	}
	return b, nil
}

// advanceBlock moves to the neighbouring tuple block. It returns false at
// either end of the table.
func (it *tableIterator) advanceBlock() (bool, error) {
	if it.block != nil {
		it.block.Release()
		it.block = nil
	}

	// Climb until some level has a sibling in the direction of travel.
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		top.pos += it.step()
		if top.pos >= 0 && top.pos < top.block.Len() {
			break
		}
		top.block.Release()
		it.stack = it.stack[:len(it.stack)-1]
	}
	if len(it.stack) == 0 {
		return false, nil
	}

	// Descend along the near edge back to the leaf index level.
	height := it.t.IndexHeight()
	for len(it.stack) < height {
		top := it.stack[len(it.stack)-1]
		ptr, err := top.block.Pointer(top.pos)
		if err != nil {
			return false, it.t.fail("scan", err)
		}
		child, err := it.loadIndex(ptr)
		if err != nil {
			return false, err
		}
		it.stack = append(it.stack, indexFrame{block: child, pos: it.start(child.Len())})
	}

	leaf := it.stack[len(it.stack)-1]
	ptr, err := leaf.block.Pointer(leaf.pos)
	if err != nil {
		return false, it.t.fail("scan", err)
	}
	tb, err := it.loadTuple(ptr)
	if err != nil {
		return false, err
	}
	it.block = tb
	it.pos = it.start(tb.Len())
	return true, nil
}

func (it *tableIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for {
		if it.block != nil && it.pos >= 0 && it.pos < it.block.Len() {
			t, err := it.block.At(it.pos)
			if err != nil {
				it.err = it.t.fail("scan", err)
				it.release()
				return false
			}
			it.cur = t
			it.pos += it.step()
			return true
		}
		ok, err := it.advanceBlock()
		if err != nil {
			it.err = err
			it.release()
			return false
		}
		if !ok {
			it.done = true
			it.release()
			return false
		}
	}
}

func (it *tableIterator) Tuple() Tuple { return it.cur }
func (it *tableIterator) Err() error   { return it.err }

func (it *tableIterator) Close() error {
	it.done = true
	it.release()
	return nil
}

func (it *tableIterator) release() {
	if it.block != nil {
		it.block.Release()
		it.block = nil
	}
	for _, f := range it.stack {
		f.block.Release()
	}
	it.stack = nil
}
