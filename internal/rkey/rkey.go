// Package rkey builds the Redis keys shared by the live-session stores. All
// live state for a course sits under course:{course}:*; archives under
// course:{course}:archive:* survive session teardown until their TTL.
package rkey

import "fmt"

func Session(course string) string {
	return fmt.Sprintf("course:%s:session:live", course)
}

// CurrentQID points at the currently open question, absent otherwise.
func CurrentQID(course string) string {
	return fmt.Sprintf("course:%s:current_qid", course)
}

// Questions is the list of question ids in creation order.
func Questions(course string) string {
	return fmt.Sprintf("course:%s:questions", course)
}

func QuestionMeta(course, qid string) string {
	return fmt.Sprintf("course:%s:q:%s:meta", course, qid)
}

func QuestionResponses(course, qid string) string {
	return fmt.Sprintf("course:%s:q:%s:responses", course, qid)
}

func QuestionCounts(course, qid string) string {
	return fmt.Sprintf("course:%s:q:%s:counts", course, qid)
}

func Archive(course, id string) string {
	return fmt.Sprintf("course:%s:archive:%s", course, id)
}

func ArchivePattern(course string) string {
	return fmt.Sprintf("course:%s:archive:*", course)
}

// AskQuestion stores one free-form student question.
func AskQuestion(course, id string) string {
	return fmt.Sprintf("course:%s:question:%s", course, id)
}

func AskQuestionPattern(course string) string {
	return fmt.Sprintf("course:%s:question:*", course)
}

func RateLimitAsk(course, pid string) string {
	return fmt.Sprintf("course:%s:ratelimit:ask:%s", course, pid)
}

// EventsChannel is the pub/sub channel mirroring live events for a course.
func EventsChannel(course string) string {
	return fmt.Sprintf("course:%s:events", course)
}
