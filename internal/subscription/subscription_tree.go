// Package subscription 实现了基于主题层级的订阅树，支持 + 与 # 通配符
package subscription

import (
	"maps"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TopicTreeNode 主题订阅树节点
type TopicTreeNode[V any] struct {
	// 直接子节点（精确匹配），key=子层级名称
	Children map[string]*TopicTreeNode[V]
	// "+" 通配符子节点（单层）
	WildcardPlus *TopicTreeNode[V]
	// "#" 通配符订阅者（多层），在本节点终止
	WildcardHash map[string]V
	// 终端订阅者（当前路径的精确匹配订阅）
	Terminals map[string]V
}

func newNode[V any]() *TopicTreeNode[V] {
	return &TopicTreeNode[V]{
		Children:     make(map[string]*TopicTreeNode[V]),
		WildcardHash: make(map[string]V),
		Terminals:    make(map[string]V),
	}
}

func (n *TopicTreeNode[V]) empty() bool {
	return len(n.Children) == 0 && n.WildcardPlus == nil && len(n.WildcardHash) == 0 && len(n.Terminals) == 0
}

// MergeFunc combines the values of one subscriber key matched through more
// than one filter.
type MergeFunc[V any] func(existing, next V) V

// Tree indexes subscriber keys by topic filter. A key registered under
// several filters that all match one topic appears once in the match result.
type Tree[V any] struct {
	mu    sync.RWMutex
	opts  Options
	root  *TopicTreeNode[V]
	merge MergeFunc[V]
	cache *lru.Cache[string, map[string]V]
	size  int
}

// NewTree builds an empty tree. merge may be nil, in which case the value
// first seen for a key wins.
func NewTree[V any](opts Options, merge MergeFunc[V]) *Tree[V] {
	opts = opts.withDefaults()
	t := &Tree[V]{
		opts:  opts,
		root:  newNode[V](),
		merge: merge,
	}
	if opts.CacheSize > 0 {
		t.cache, _ = lru.New[string, map[string]V](opts.CacheSize)
	}
	return t
}

func (t *Tree[V]) Options() Options {
	return t.opts
}

// Insert registers key under filter. Re-inserting replaces the value.
func (t *Tree[V]) Insert(filter string, key string, value V) error {
	if err := t.opts.ValidateFilter(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, t.opts.Separator)

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for i, level := range levels {
		switch level {
		case t.opts.WildcardSome:
			if _, ok := node.WildcardHash[key]; !ok {
				t.size++
			}
			node.WildcardHash[key] = value
			t.purge()
			return nil
		case t.opts.WildcardOne:
			if node.WildcardPlus == nil {
				node.WildcardPlus = newNode[V]()
			}
			node = node.WildcardPlus
		default:
			child, ok := node.Children[level]
			if !ok {
				child = newNode[V]()
				node.Children[level] = child
			}
			node = child
		}
		if i == len(levels)-1 {
			if _, ok := node.Terminals[key]; !ok {
				t.size++
			}
			node.Terminals[key] = value
		}
	}
	t.purge()
	return nil
}

// Delete removes key from filter and reports whether it was present.
func (t *Tree[V]) Delete(filter string, key string) bool {
	if t.opts.ValidateFilter(filter) != nil {
		return false
	}
	levels := strings.Split(filter, t.opts.Separator)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := t.delete(t.root, levels, key)
	if removed {
		t.size--
		t.purge()
	}
	return removed
}

func (t *Tree[V]) delete(node *TopicTreeNode[V], levels []string, key string) bool {
	if len(levels) == 0 {
		if _, ok := node.Terminals[key]; ok {
			delete(node.Terminals, key)
			return true
		}
		return false
	}

	level := levels[0]
	switch level {
	case t.opts.WildcardSome:
		if _, ok := node.WildcardHash[key]; ok {
			delete(node.WildcardHash, key)
			return true
		}
		return false
	case t.opts.WildcardOne:
		if node.WildcardPlus == nil {
			return false
		}
		removed := t.delete(node.WildcardPlus, levels[1:], key)
		if removed && node.WildcardPlus.empty() {
			node.WildcardPlus = nil
		}
		return removed
	default:
		child, ok := node.Children[level]
		if !ok {
			return false
		}
		removed := t.delete(child, levels[1:], key)
		if removed && child.empty() {
			delete(node.Children, level)
		}
		return removed
	}
}

// Match returns every subscriber whose filter matches topic, keyed by
// subscriber key. The result is owned by the caller.
func (t *Tree[V]) Match(topic string) map[string]V {
	if t.cache != nil {
		if cached, ok := t.cache.Get(topic); ok {
			return maps.Clone(cached)
		}
	}

	levels := strings.Split(topic, t.opts.Separator)
	results := make(map[string]V)

	t.mu.RLock()
	defer t.mu.RUnlock()
	t.collect(t.root, levels, results)
	if t.cache != nil {
		t.cache.Add(topic, maps.Clone(results))
	}
	return results
}

func (t *Tree[V]) collect(node *TopicTreeNode[V], levels []string, results map[string]V) {
	// "#" 匹配剩余所有层级（包括零层）
	for key, value := range node.WildcardHash {
		t.add(results, key, value)
	}
	if len(levels) == 0 {
		for key, value := range node.Terminals {
			t.add(results, key, value)
		}
		return
	}
	if child, ok := node.Children[levels[0]]; ok {
		t.collect(child, levels[1:], results)
	}
	if node.WildcardPlus != nil {
		t.collect(node.WildcardPlus, levels[1:], results)
	}
}

func (t *Tree[V]) add(results map[string]V, key string, value V) {
	existing, ok := results[key]
	if !ok {
		results[key] = value
		return
	}
	if t.merge != nil {
		results[key] = t.merge(existing, value)
	}
}

// Len returns the number of (filter, key) registrations.
func (t *Tree[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// purge drops cached match results. Callers hold the write lock.
func (t *Tree[V]) purge() {
	if t.cache != nil {
		t.cache.Purge()
	}
}
