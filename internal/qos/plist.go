package qos

import "github.com/google/btree"

const plistDegree = 8

// plistNode is a request's entry in a class's ordered list. Nodes sort by
// value and then by insertion sequence, so equal values stay FIFO.
type plistNode struct {
	value int32
	seq   uint64
	req   *Request
}

func (n *plistNode) Less(than btree.Item) bool {
	o := than.(*plistNode)
	if n.value != o.value {
		return n.value < o.value
	}
	return n.seq < o.seq
}

// plist is a priority-ordered list of request nodes.
type plist struct {
	tree *btree.BTree
	seq  uint64
}

func newPlist() *plist {
	return &plist{tree: btree.New(plistDegree)}
}

// add inserts n with the given value behind any nodes of equal value.
func (l *plist) add(n *plistNode, value int32) {
	l.seq++
	n.value = value
	n.seq = l.seq
	l.tree.ReplaceOrInsert(n)
}

func (l *plist) del(n *plistNode) {
	l.tree.Delete(n)
}

func (l *plist) empty() bool {
	return l.tree.Len() == 0
}

func (l *plist) len() int {
	return l.tree.Len()
}

func (l *plist) first() *plistNode {
	return l.tree.Min().(*plistNode)
}

func (l *plist) last() *plistNode {
	return l.tree.Max().(*plistNode)
}

func (l *plist) contains(n *plistNode) bool {
	return l.tree.Has(n)
}

// each visits the nodes in ascending order.
func (l *plist) each(fn func(n *plistNode)) {
	l.tree.Ascend(func(i btree.Item) bool {
		fn(i.(*plistNode))
		return true
	})
}
