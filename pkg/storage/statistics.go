package storage

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// CFStatistics counts iterator operations against one column family.
type CFStatistics struct {
	// Total is the number of keys the scan touched.
	Total int
	// Processed is the number of keys that contributed to the result.
	Processed int
}

// Merge folds other into s.
func (s *CFStatistics) Merge(other *CFStatistics) {
	s.Total += other.Total
	s.Processed += other.Processed
}

func (s *CFStatistics) scanInfo() *kvrpcpb.ScanInfo {
	return &kvrpcpb.ScanInfo{
		Total:     int64(s.Total),
		Processed: int64(s.Processed),
	}
}

// Statistics aggregates scan counters across column families.
type Statistics struct {
	Write CFStatistics
	Lock  CFStatistics
	Data  CFStatistics
}

// Merge folds other into s.
func (s *Statistics) Merge(other *Statistics) {
	s.Write.Merge(&other.Write)
	s.Lock.Merge(&other.Lock)
	s.Data.Merge(&other.Data)
}

// TotalOpCount is the number of keys touched across families.
func (s *Statistics) TotalOpCount() int {
	return s.Write.Total + s.Lock.Total + s.Data.Total
}

// TotalProcessed is the number of keys that produced output.
func (s *Statistics) TotalProcessed() int {
	return s.Write.Processed + s.Lock.Processed + s.Data.Processed
}

// ScanDetail converts the counters into their wire representation.
func (s *Statistics) ScanDetail() *kvrpcpb.ScanDetail {
	return &kvrpcpb.ScanDetail{
		Write: s.Write.scanInfo(),
		Lock:  s.Lock.scanInfo(),
		Data:  s.Data.scanInfo(),
	}
}

// CF returns the counters for the named column family.
func (s *Statistics) CF(cf string) *CFStatistics {
	switch cf {
	case CFWrite:
		return &s.Write
	case CFLock:
		return &s.Lock
	default:
		return &s.Data
	}
}
